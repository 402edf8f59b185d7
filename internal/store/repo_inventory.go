package store

import (
	"context"
	"time"
)

// --- Hub inventory ---

func (r *Repo) CreateHubInventory(ctx context.Context, item *HubInventory) error {
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *Repo) GetHubInventory(ctx context.Context, hubID string) (*HubInventory, error) {
	var item HubInventory
	if err := r.db.WithContext(ctx).Where("hub_id = ?", hubID).First(&item).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (r *Repo) ListHubInventory(ctx context.Context, status string) ([]HubInventory, error) {
	q := r.db.WithContext(ctx).Order("hub_id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []HubInventory
	err := q.Find(&rows).Error
	return rows, err
}

// ClaimHubInventory flips FACTORY_NEW -> CLAIMED with an optimistic
// predicate; a concurrent claim loses the race and reports false.
func (r *Repo) ClaimHubInventory(ctx context.Context, hubID string, userID, homeID uint) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&HubInventory{}).
		Where("hub_id = ? AND status = ?", hubID, InventoryFactoryNew).
		Updates(map[string]any{
			"status":             InventoryClaimed,
			"claimed_by_user_id": userID,
			"claimed_home_id":    homeID,
			"claimed_at":         now,
		})
	return res.RowsAffected == 1, res.Error
}

// --- Device inventory ---

func (r *Repo) CreateDeviceInventory(ctx context.Context, item *DeviceInventory) error {
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *Repo) GetDeviceInventoryBySerial(ctx context.Context, serial string) (*DeviceInventory, error) {
	var item DeviceInventory
	if err := r.db.WithContext(ctx).Where("serial = ?", serial).First(&item).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (r *Repo) ListDeviceInventory(ctx context.Context, status string) ([]DeviceInventory, error) {
	q := r.db.WithContext(ctx).Order("serial")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []DeviceInventory
	err := q.Find(&rows).Error
	return rows, err
}

func (r *Repo) ClaimDeviceInventory(ctx context.Context, serial string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&DeviceInventory{}).
		Where("serial = ? AND status = ?", serial, InventoryFactoryNew).
		Update("status", InventoryClaimed)
	return res.RowsAffected == 1, res.Error
}

// ReleaseDeviceInventory returns a claimed serial to FACTORY_NEW after a
// factory reset completes, allowing a re-claim.
func (r *Repo) ReleaseDeviceInventory(ctx context.Context, serial string) error {
	return r.db.WithContext(ctx).Model(&DeviceInventory{}).
		Where("serial = ?", serial).
		Update("status", InventoryFactoryNew).Error
}

func (r *Repo) ReleaseHubInventory(ctx context.Context, hubID string) error {
	return r.db.WithContext(ctx).Model(&HubInventory{}).
		Where("hub_id = ?", hubID).
		Updates(map[string]any{
			"status":             InventoryFactoryNew,
			"claimed_by_user_id": nil,
			"claimed_home_id":    nil,
			"claimed_at":         nil,
		}).Error
}
