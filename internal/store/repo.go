package store

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(
		&User{},
		&Home{},
		&Room{},
		&HubInventory{},
		&Hub{},
		&DeviceInventory{},
		&Device{},
		&DeviceStateCurrent{},
		&DeviceStateHistory{},
		&DeviceEvent{},
		&Command{},
		&ResetRequest{},
		&FirmwareRelease{},
		&FirmwareRollout{},
		&RolloutTarget{},
		&AutomationRule{},
		&AutomationDeployment{},
		&ZigbeePairingSession{},
		&ZigbeeDiscoveredDevice{},
	); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// Ping reports DB reachability for the readiness probe.
func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Tx runs fn inside a transaction, exposing a transactional Repo.
func (r *Repo) Tx(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}
