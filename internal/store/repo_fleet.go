package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("not found")

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- Users ---

func (r *Repo) CreateUser(ctx context.Context, u *User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repo) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *Repo) GetUser(ctx context.Context, id uint) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *Repo) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&User{}).Count(&n).Error
	return n, err
}

// --- Homes ---

func (r *Repo) CreateHome(ctx context.Context, h *Home) error {
	return r.db.WithContext(ctx).Create(h).Error
}

func (r *Repo) GetHome(ctx context.Context, id uint) (*Home, error) {
	var h Home
	if err := r.db.WithContext(ctx).First(&h, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &h, nil
}

func (r *Repo) ListHomesOwnedBy(ctx context.Context, userID uint) ([]Home, error) {
	var rows []Home
	err := r.db.WithContext(ctx).Where("owner_user_id = ?", userID).Order("id").Find(&rows).Error
	return rows, err
}

// NextEventSeq atomically advances the per-home event sequence.
func (r *Repo) NextEventSeq(ctx context.Context, homeID uint) (int64, error) {
	var seq int64
	err := r.db.WithContext(ctx).
		Raw("UPDATE homes SET event_seq = event_seq + 1 WHERE id = ? RETURNING event_seq", homeID).
		Scan(&seq).Error
	if err != nil {
		return 0, err
	}
	if seq == 0 {
		return 0, ErrNotFound
	}
	return seq, nil
}

// --- Hubs ---

func (r *Repo) CreateHub(ctx context.Context, h *Hub) error {
	return r.db.WithContext(ctx).Create(h).Error
}

func (r *Repo) GetHub(ctx context.Context, hubID string) (*Hub, error) {
	var h Hub
	if err := r.db.WithContext(ctx).Where("hub_id = ?", hubID).First(&h).Error; err != nil {
		return nil, notFound(err)
	}
	return &h, nil
}

func (r *Repo) SaveHub(ctx context.Context, h *Hub) error {
	return r.db.WithContext(ctx).Save(h).Error
}

func (r *Repo) ListHubs(ctx context.Context, homeID *uint) ([]Hub, error) {
	q := r.db.WithContext(ctx).Order("hub_id")
	if homeID != nil {
		q = q.Where("home_id = ?", *homeID)
	}
	var rows []Hub
	err := q.Find(&rows).Error
	return rows, err
}

func (r *Repo) SetHubPresence(ctx context.Context, hubID string, online bool, lastSeen time.Time) error {
	return r.db.WithContext(ctx).Model(&Hub{}).
		Where("hub_id = ?", hubID).
		Updates(map[string]any{"online": online, "last_seen": lastSeen}).Error
}

func (r *Repo) SetHubFirmwareVersion(ctx context.Context, hubID, version string) error {
	return r.db.WithContext(ctx).Model(&Hub{}).
		Where("hub_id = ?", hubID).
		Update("firmware_version", version).Error
}

// --- Devices ---

func (r *Repo) CreateDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *Repo) SaveDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Save(d).Error
}

func (r *Repo) GetDevice(ctx context.Context, id uint) (*Device, error) {
	var d Device
	if err := r.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *Repo) GetDeviceByDeviceID(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	if err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *Repo) GetDeviceByIEEE(ctx context.Context, ieee string) (*Device, error) {
	var d Device
	if err := r.db.WithContext(ctx).Where("zigbee_ieee = ?", ieee).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

type DeviceFilter struct {
	HomeID  *uint
	ModelID string
	Online  *bool
}

func (r *Repo) ListDevices(ctx context.Context, f DeviceFilter) ([]Device, error) {
	q := r.db.WithContext(ctx).Order("id")
	if f.HomeID != nil {
		q = q.Where("home_id = ?", *f.HomeID)
	}
	if f.ModelID != "" {
		q = q.Where("model_id = ?", f.ModelID)
	}
	if f.Online != nil {
		q = q.Where("id IN (?)", r.db.Model(&DeviceStateCurrent{}).Select("device_id").Where("online = ?", *f.Online))
	}
	var rows []Device
	err := q.Find(&rows).Error
	return rows, err
}

// --- Device state ---

func (r *Repo) GetStateCurrent(ctx context.Context, deviceID uint) (*DeviceStateCurrent, error) {
	var s DeviceStateCurrent
	if err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// UpsertStateCurrent replaces the snapshot row for a device.
func (r *Repo) UpsertStateCurrent(ctx context.Context, s *DeviceStateCurrent) error {
	s.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		UpdateAll: true,
	}).Create(s).Error
}

// SetDevicePresence updates the snapshot's online flag without touching
// the state blob. Creates the snapshot row when none exists yet.
func (r *Repo) SetDevicePresence(ctx context.Context, deviceID uint, online bool, lastSeen time.Time) error {
	res := r.db.WithContext(ctx).Model(&DeviceStateCurrent{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{"online": online, "last_seen": lastSeen, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.db.WithContext(ctx).Create(&DeviceStateCurrent{
			DeviceID: deviceID, Online: online, LastSeen: lastSeen, UpdatedAt: time.Now().UTC(),
		}).Error
	}
	return nil
}

func (r *Repo) AppendStateHistory(ctx context.Context, h *DeviceStateHistory) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(h).Error
}

func (r *Repo) ListStateHistory(ctx context.Context, deviceID uint, limit int) ([]DeviceStateHistory, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var rows []DeviceStateHistory
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// PruneStateHistoryBefore deletes history older than t. Retention policy
// is the operator's call; nothing schedules this internally.
func (r *Repo) PruneStateHistoryBefore(ctx context.Context, t time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", t).Delete(&DeviceStateHistory{})
	return res.RowsAffected, res.Error
}

// --- Device events ---

func (r *Repo) InsertDeviceEvent(ctx context.Context, ev *DeviceEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(ev).Error
}

type EventFilter struct {
	HomeID   *uint
	DeviceID *uint
	Type     string
	Date     *time.Time
	Limit    int
}

func (r *Repo) ListDeviceEvents(ctx context.Context, f EventFilter) ([]DeviceEvent, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	q := r.db.WithContext(ctx).Order("home_id, home_seq DESC").Limit(limit)
	if f.HomeID != nil {
		q = q.Where("home_id = ?", *f.HomeID)
	}
	if f.DeviceID != nil {
		q = q.Where("device_id = ?", *f.DeviceID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Date != nil {
		day := f.Date.UTC().Truncate(24 * time.Hour)
		q = q.Where("created_at >= ? AND created_at < ?", day, day.Add(24*time.Hour))
	}
	var rows []DeviceEvent
	err := q.Find(&rows).Error
	return rows, err
}
