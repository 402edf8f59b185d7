package store

import (
	"context"
	"time"
)

func (r *Repo) CreateFirmwareRelease(ctx context.Context, rel *FirmwareRelease) error {
	return r.db.WithContext(ctx).Create(rel).Error
}

func (r *Repo) GetFirmwareRelease(ctx context.Context, id uint) (*FirmwareRelease, error) {
	var rel FirmwareRelease
	if err := r.db.WithContext(ctx).First(&rel, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &rel, nil
}

func (r *Repo) ListFirmwareReleases(ctx context.Context) ([]FirmwareRelease, error) {
	var rows []FirmwareRelease
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error
	return rows, err
}

func (r *Repo) CreateRollout(ctx context.Context, ro *FirmwareRollout, targets []RolloutTarget) error {
	return r.Tx(ctx, func(tx *Repo) error {
		if err := tx.db.Create(ro).Error; err != nil {
			return err
		}
		for i := range targets {
			targets[i].RolloutID = ro.ID
		}
		return tx.db.Create(&targets).Error
	})
}

func (r *Repo) GetRollout(ctx context.Context, id uint) (*FirmwareRollout, error) {
	var ro FirmwareRollout
	if err := r.db.WithContext(ctx).First(&ro, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &ro, nil
}

func (r *Repo) ListRollouts(ctx context.Context) ([]FirmwareRollout, error) {
	var rows []FirmwareRollout
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error
	return rows, err
}

// SetRolloutStatus applies a predicate transition so concurrent loop
// iterations cannot regress a terminal rollout.
func (r *Repo) SetRolloutStatus(ctx context.Context, id uint, from []string, to string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&FirmwareRollout{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) ListRolloutTargets(ctx context.Context, rolloutID uint) ([]RolloutTarget, error) {
	var rows []RolloutTarget
	err := r.db.WithContext(ctx).Where("rollout_id = ?", rolloutID).Order("hub_id").Find(&rows).Error
	return rows, err
}

func (r *Repo) SaveRolloutTarget(ctx context.Context, t *RolloutTarget) error {
	return r.db.WithContext(ctx).Save(t).Error
}

func (r *Repo) GetRolloutTargetByCmdID(ctx context.Context, cmdID string) (*RolloutTarget, error) {
	var t RolloutTarget
	if err := r.db.WithContext(ctx).Where("cmd_id = ?", cmdID).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// ListActiveRollouts returns rollouts still driving work.
func (r *Repo) ListActiveRollouts(ctx context.Context) ([]FirmwareRollout, error) {
	var rows []FirmwareRollout
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{RolloutRunning, RolloutPaused}).
		Find(&rows).Error
	return rows, err
}

func (r *Repo) ListTargetsForHub(ctx context.Context, hubID string, states []string) ([]RolloutTarget, error) {
	var rows []RolloutTarget
	err := r.db.WithContext(ctx).
		Where("hub_id = ? AND state IN ?", hubID, states).
		Find(&rows).Error
	return rows, err
}

func (r *Repo) TouchRollout(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&FirmwareRollout{}).
		Where("id = ?", id).
		Update("updated_at", time.Now().UTC()).Error
}
