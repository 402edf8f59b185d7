package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

func (r *Repo) CreatePairingSession(ctx context.Context, s *ZigbeePairingSession) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetPairingSession(ctx context.Context, token string) (*ZigbeePairingSession, error) {
	var s ZigbeePairingSession
	if err := r.db.WithContext(ctx).Where("token = ?", token).First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// ClosePairingSession is predicate-guarded; only the first close wins.
func (r *Repo) ClosePairingSession(ctx context.Context, token string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&ZigbeePairingSession{}).
		Where("token = ? AND closed = ?", token, false).
		Update("closed", true)
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) ListExpiredPairingSessions(ctx context.Context, now time.Time) ([]ZigbeePairingSession, error) {
	var rows []ZigbeePairingSession
	err := r.db.WithContext(ctx).
		Where("closed = ? AND expires_at <= ?", false, now).
		Find(&rows).Error
	return rows, err
}

func (r *Repo) GetOpenPairingSessionForHub(ctx context.Context, hubID string, now time.Time) (*ZigbeePairingSession, error) {
	var s ZigbeePairingSession
	if err := r.db.WithContext(ctx).
		Where("hub_id = ? AND closed = ? AND expires_at > ?", hubID, false, now).
		Order("created_at DESC").First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// --- Discovered devices ---

// UpsertDiscovered refreshes the fingerprint for (hubId, ieee), keeping
// the latest report.
func (r *Repo) UpsertDiscovered(ctx context.Context, d *ZigbeeDiscoveredDevice) error {
	d.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "hub_id"}, {Name: "ieee"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"short_addr", "manufacturer", "model", "sw_build_id",
			"suggested_model_id", "pairing_token", "updated_at",
		}),
	}).Create(d).Error
}

func (r *Repo) GetDiscovered(ctx context.Context, hubID, ieee string) (*ZigbeeDiscoveredDevice, error) {
	var d ZigbeeDiscoveredDevice
	if err := r.db.WithContext(ctx).
		Where("hub_id = ? AND ieee = ?", hubID, ieee).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *Repo) SetDiscoveredStatus(ctx context.Context, hubID, ieee, status string) error {
	return r.db.WithContext(ctx).Model(&ZigbeeDiscoveredDevice{}).
		Where("hub_id = ? AND ieee = ?", hubID, ieee).
		Update("status", status).Error
}

func (r *Repo) ListDiscoveredForHubs(ctx context.Context, hubIDs []string) ([]ZigbeeDiscoveredDevice, error) {
	if len(hubIDs) == 0 {
		return nil, nil
	}
	var rows []ZigbeeDiscoveredDevice
	err := r.db.WithContext(ctx).
		Where("hub_id IN ? AND status = ?", hubIDs, DiscoveredPending).
		Order("updated_at DESC").Find(&rows).Error
	return rows, err
}
