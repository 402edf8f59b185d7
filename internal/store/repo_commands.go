package store

import (
	"context"
	"time"
)

func (r *Repo) InsertCommand(ctx context.Context, c *Command) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetCommand(ctx context.Context, id uint) (*Command, error) {
	var c Command
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *Repo) GetCommandByCmdID(ctx context.Context, cmdID string) (*Command, error) {
	var c Command
	if err := r.db.WithContext(ctx).Where("cmd_id = ?", cmdID).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *Repo) GetCommandForDevice(ctx context.Context, deviceID uint, cmdID string) (*Command, error) {
	var c Command
	if err := r.db.WithContext(ctx).Where("device_id = ? AND cmd_id = ?", deviceID, cmdID).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ResolveCommand moves a PENDING command to a terminal status, matching
// by cmdId alone (cmdIds are server-generated UUIDs, unique across the
// fleet). The status predicate makes transitions monotonic: a late ACK
// after a timeout (or a duplicate ACK) updates nothing and reports false.
func (r *Repo) ResolveCommand(ctx context.Context, cmdID, status string, ackedAt *time.Time, errMsg string) (bool, error) {
	updates := map[string]any{"status": status, "error": errMsg}
	if ackedAt != nil {
		updates["acked_at"] = *ackedAt
	}
	res := r.db.WithContext(ctx).Model(&Command{}).
		Where("cmd_id = ? AND status = ?", cmdID, CommandPending).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

// ListPendingCommands returns all PENDING rows, oldest first. Used at
// startup to re-arm deadlines.
func (r *Repo) ListPendingCommands(ctx context.Context) ([]Command, error) {
	var rows []Command
	err := r.db.WithContext(ctx).Where("status = ?", CommandPending).Order("sent_at").Find(&rows).Error
	return rows, err
}

// ListPendingForTarget returns PENDING commands addressed to a device
// (by db id) or a hub (by hubId). Used to flush queued commands when a
// target reconnects.
func (r *Repo) ListPendingForTarget(ctx context.Context, deviceID uint, hubID string) ([]Command, error) {
	q := r.db.WithContext(ctx).Where("status = ?", CommandPending).Order("sent_at")
	if hubID != "" {
		q = q.Where("hub_id = ?", hubID)
	} else {
		q = q.Where("device_id = ?", deviceID)
	}
	var rows []Command
	err := q.Find(&rows).Error
	return rows, err
}

type CommandFilter struct {
	Status   string
	DeviceID *uint
	Date     *time.Time
	Limit    int
}

func (r *Repo) ListCommands(ctx context.Context, f CommandFilter) ([]Command, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	q := r.db.WithContext(ctx).Order("sent_at DESC").Limit(limit)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.DeviceID != nil {
		q = q.Where("device_id = ?", *f.DeviceID)
	}
	if f.Date != nil {
		day := f.Date.UTC().Truncate(24 * time.Hour)
		q = q.Where("sent_at >= ? AND sent_at < ?", day, day.Add(24*time.Hour))
	}
	var rows []Command
	err := q.Find(&rows).Error
	return rows, err
}

// --- Reset requests ---

func (r *Repo) InsertResetRequest(ctx context.Context, rr *ResetRequest) error {
	return r.db.WithContext(ctx).Create(rr).Error
}

func (r *Repo) GetOpenResetRequest(ctx context.Context, deviceID uint) (*ResetRequest, error) {
	var rr ResetRequest
	if err := r.db.WithContext(ctx).
		Where("device_id = ? AND resolved = ?", deviceID, false).
		Order("created_at DESC").First(&rr).Error; err != nil {
		return nil, notFound(err)
	}
	return &rr, nil
}

func (r *Repo) GetOpenResetByCmdID(ctx context.Context, cmdID string) (*ResetRequest, error) {
	var rr ResetRequest
	if err := r.db.WithContext(ctx).
		Where("cmd_id = ? AND resolved = ?", cmdID, false).First(&rr).Error; err != nil {
		return nil, notFound(err)
	}
	return &rr, nil
}

func (r *Repo) ResolveResetRequest(ctx context.Context, id uint) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&ResetRequest{}).
		Where("id = ?", id).
		Updates(map[string]any{"resolved": true, "resolved_at": now}).Error
}
