package store

import (
	"time"

	"gorm.io/datatypes"
)

// Inventory lifecycle.
const (
	InventoryFactoryNew = "FACTORY_NEW"
	InventoryClaimed    = "CLAIMED"
	InventoryRevoked    = "REVOKED"
)

// Device lifecycle.
const (
	LifecycleFactoryNew = "FACTORY_NEW"
	LifecycleClaiming   = "CLAIMING"
	LifecycleBound      = "BOUND"
	LifecycleActive     = "ACTIVE"
	LifecycleUnbound    = "UNBOUND"
)

const (
	ProtocolMQTT   = "MQTT"
	ProtocolZigbee = "ZIGBEE"
)

// Command statuses.
const (
	CommandPending = "PENDING"
	CommandAcked   = "ACKED"
	CommandFailed  = "FAILED"
	CommandTimeout = "TIMEOUT"
)

// Rollout statuses.
const (
	RolloutCreated = "CREATED"
	RolloutRunning = "RUNNING"
	RolloutPaused  = "PAUSED"
	RolloutSuccess = "SUCCESS"
	RolloutFailed  = "FAILED"
)

// Rollout target states.
const (
	TargetCreated     = "CREATED"
	TargetDownloading = "DOWNLOADING"
	TargetApplying    = "APPLYING"
	TargetRunning     = "RUNNING"
	TargetSuccess     = "SUCCESS"
	TargetFailed      = "FAILED"
)

// Automation deployment statuses.
const (
	DeploySyncing = "SYNCING"
	DeployApplied = "APPLIED"
	DeployFailed  = "FAILED"
)

// Pairing.
const (
	PairingLegacy      = "LEGACY"
	PairingSerialFirst = "SERIAL_FIRST"
	PairingTypeFirst   = "TYPE_FIRST"

	DiscoveredPending   = "PENDING"
	DiscoveredConfirmed = "CONFIRMED"
	DiscoveredRejected  = "REJECTED"
)

// Reset request kinds.
const (
	ResetReconnect    = "RECONNECT"
	ResetFactoryReset = "FACTORY_RESET"
)

type User struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	Email        string    `json:"email" gorm:"uniqueIndex;not null"`
	PasswordHash string    `json:"-" gorm:"not null"`
	Role         string    `json:"role" gorm:"not null;default:user"`
	CreatedAt    time.Time `json:"created_at"`
}

type Home struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Name        string    `json:"name" gorm:"not null"`
	OwnerUserID uint      `json:"owner_user_id" gorm:"index;not null"`
	// EventSeq backs the per-home monotonic event id allocator.
	EventSeq  int64     `json:"-" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Room struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	HomeID    uint      `json:"home_id" gorm:"index;not null"`
	Name      string    `json:"name" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
}

type HubInventory struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	HubID           string     `json:"hub_id" gorm:"uniqueIndex;not null"`
	Serial          *string    `json:"serial,omitempty" gorm:"index"`
	ModelID         string     `json:"model_id"`
	SetupCodeHash   string     `json:"-" gorm:"not null"`
	Status          string     `json:"status" gorm:"not null;default:FACTORY_NEW"`
	ClaimedByUserID *uint      `json:"claimed_by_user_id,omitempty"`
	ClaimedHomeID   *uint      `json:"claimed_home_id,omitempty"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type Hub struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	HubID           string     `json:"hub_id" gorm:"uniqueIndex;not null"`
	HomeID          uint       `json:"home_id" gorm:"index;not null"`
	FirmwareVersion string     `json:"firmware_version,omitempty"`
	Online          bool       `json:"online"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	MQTTSecretHash  string     `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type DeviceInventory struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	Serial        string    `json:"serial" gorm:"uniqueIndex;not null"`
	DeviceUUID    string    `json:"device_uuid" gorm:"uniqueIndex;not null"`
	TypeDefault   string    `json:"type_default"`
	Protocol      string    `json:"protocol" gorm:"not null"`
	ModelID       string    `json:"model_id"`
	SetupCodeHash string    `json:"-" gorm:"not null"`
	Status        string    `json:"status" gorm:"not null;default:FACTORY_NEW"`
	CreatedAt     time.Time `json:"created_at"`
}

type Device struct {
	ID uint `json:"id" gorm:"primaryKey"`
	// DeviceID is the wire identity: inventory deviceUuid for the MQTT
	// plane, a generated UUID for Zigbee. Immutable after creation.
	DeviceID        string     `json:"device_id" gorm:"uniqueIndex;not null"`
	HomeID          uint       `json:"home_id" gorm:"index;not null"`
	RoomID          *uint      `json:"room_id,omitempty"`
	Type            string     `json:"type"`
	Protocol        string     `json:"protocol" gorm:"not null"`
	HubID           *string    `json:"hub_id,omitempty" gorm:"index"`
	ZigbeeIEEE      *string    `json:"zigbee_ieee,omitempty" gorm:"index"`
	LifecycleStatus string     `json:"lifecycle_status" gorm:"not null;default:FACTORY_NEW"`
	Serial          *string    `json:"serial,omitempty"`
	ModelID         string     `json:"model_id,omitempty"`
	FirmwareVersion string     `json:"firmware_version,omitempty"`
	MQTTSecretHash  string     `json:"-"`
	BoundAt         *time.Time `json:"bound_at,omitempty"`
	UnboundAt       *time.Time `json:"unbound_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type DeviceStateCurrent struct {
	DeviceID  uint           `json:"device_id" gorm:"primaryKey;autoIncrement:false"`
	State     datatypes.JSON `json:"state" gorm:"type:jsonb"`
	LastSeen  time.Time      `json:"last_seen"`
	Online    bool           `json:"online"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type DeviceStateHistory struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	DeviceID  uint           `json:"device_id" gorm:"index:idx_state_hist_device_ts,priority:1;not null"`
	State     datatypes.JSON `json:"state" gorm:"type:jsonb"`
	Online    bool           `json:"online"`
	LastSeen  time.Time      `json:"last_seen"`
	CreatedAt time.Time      `json:"created_at" gorm:"index:idx_state_hist_device_ts,priority:2"`
}

type DeviceEvent struct {
	ID     uint `json:"id" gorm:"primaryKey"`
	HomeID uint `json:"home_id" gorm:"index:idx_event_home_seq,priority:1;not null"`
	// HomeSeq is monotonic within a home; it anchors realtime cursors.
	HomeSeq   int64          `json:"home_seq" gorm:"index:idx_event_home_seq,priority:2;not null"`
	DeviceID  uint           `json:"device_id" gorm:"index;not null"`
	Type      string         `json:"type" gorm:"index;not null"`
	Data      datatypes.JSON `json:"data" gorm:"type:jsonb"`
	SourceAt  time.Time      `json:"source_at"`
	CreatedAt time.Time      `json:"created_at"`
}

type Command struct {
	ID uint `json:"id" gorm:"primaryKey"`
	// DeviceID is 0 for hub-management commands; HubID is set instead.
	DeviceID uint           `json:"device_id" gorm:"uniqueIndex:idx_cmd_device_cmdid,priority:1;index:idx_cmd_device_status,priority:1;not null"`
	HubID    *string        `json:"hub_id,omitempty" gorm:"index"`
	CmdID    string         `json:"cmd_id" gorm:"uniqueIndex:idx_cmd_device_cmdid,priority:2;index;not null"`
	Payload  datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	Status   string         `json:"status" gorm:"index:idx_cmd_device_status,priority:2;not null;default:PENDING"`
	SentAt   time.Time      `json:"sent_at" gorm:"index:idx_cmd_device_status,priority:3"`
	AckedAt  *time.Time     `json:"acked_at,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type ResetRequest struct {
	ID         uint       `json:"id" gorm:"primaryKey"`
	DeviceID   uint       `json:"device_id" gorm:"index;not null"`
	Type       string     `json:"type" gorm:"not null"`
	CmdID      string     `json:"cmd_id"`
	Resolved   bool       `json:"resolved" gorm:"index;not null;default:false"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type FirmwareRelease struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	TargetType string    `json:"target_type" gorm:"not null"`
	Version    string    `json:"version" gorm:"not null"`
	URL        string    `json:"url" gorm:"not null"`
	SHA256     string    `json:"sha256" gorm:"not null"`
	Size       *int64    `json:"size,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type FirmwareRollout struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	ReleaseID uint      `json:"release_id" gorm:"index;not null"`
	Status    string    `json:"status" gorm:"not null;default:CREATED"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RolloutTarget struct {
	ID        uint       `json:"id" gorm:"primaryKey"`
	RolloutID uint       `json:"rollout_id" gorm:"uniqueIndex:idx_target_rollout_hub,priority:1;not null"`
	HubID     string     `json:"hub_id" gorm:"uniqueIndex:idx_target_rollout_hub,priority:2;not null"`
	State     string     `json:"state" gorm:"not null;default:CREATED"`
	Attempt   int        `json:"attempt" gorm:"not null;default:0"`
	CmdID     *string    `json:"cmd_id,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	AckedAt   *time.Time `json:"acked_at,omitempty"`
	// VersionSeenAt marks when the hub first reported the target version;
	// the target seals to SUCCESS after the grace period.
	VersionSeenAt *time.Time `json:"-"`
	NextRetryAt   *time.Time `json:"-" gorm:"index"`
	LastMsg       string     `json:"last_msg,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type AutomationRule struct {
	ID              uint           `json:"id" gorm:"primaryKey"`
	HomeID          uint           `json:"home_id" gorm:"index:idx_rule_home_updated,priority:1;not null"`
	Name            string         `json:"name" gorm:"not null"`
	Enabled         bool           `json:"enabled" gorm:"not null;default:true"`
	Version         int64          `json:"version" gorm:"not null;default:1"`
	TriggerType     string         `json:"trigger_type" gorm:"not null"`
	Trigger         datatypes.JSON `json:"trigger" gorm:"type:jsonb;not null"`
	Actions         datatypes.JSON `json:"actions" gorm:"type:jsonb;not null"`
	ExecutionPolicy datatypes.JSON `json:"execution_policy,omitempty" gorm:"type:jsonb"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"index:idx_rule_home_updated,priority:2"`
}

type AutomationDeployment struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	HubID          string     `json:"hub_id" gorm:"uniqueIndex:idx_deploy_hub_home,priority:1;not null"`
	HomeID         uint       `json:"home_id" gorm:"uniqueIndex:idx_deploy_hub_home,priority:2;not null"`
	DesiredVersion int64      `json:"desired_version" gorm:"not null;default:0"`
	AppliedVersion int64      `json:"applied_version" gorm:"not null;default:0"`
	Status         string     `json:"status" gorm:"not null;default:APPLIED"`
	LastMsg        string     `json:"last_msg,omitempty"`
	Attempts       int        `json:"-" gorm:"not null;default:0"`
	NextRetryAt    *time.Time `json:"-" gorm:"index"`
	PendingCmdID   *string    `json:"-"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type ZigbeePairingSession struct {
	Token           string    `json:"token" gorm:"primaryKey"`
	OwnerUserID     uint      `json:"owner_user_id" gorm:"not null"`
	HubID           string    `json:"hub_id" gorm:"index;not null"`
	HomeID          uint      `json:"home_id" gorm:"not null"`
	Mode            string    `json:"mode" gorm:"not null"`
	ClaimedSerial   *string   `json:"claimed_serial,omitempty"`
	ExpectedModelID *string   `json:"expected_model_id,omitempty"`
	Closed          bool      `json:"closed" gorm:"index;not null;default:false"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at" gorm:"index"`
}

type ZigbeeDiscoveredDevice struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	HubID            string    `json:"hub_id" gorm:"uniqueIndex:idx_discovered_hub_ieee,priority:1;not null"`
	IEEE             string    `json:"ieee" gorm:"uniqueIndex:idx_discovered_hub_ieee,priority:2;not null"`
	ShortAddr        *string   `json:"short_addr,omitempty"`
	Manufacturer     string    `json:"manufacturer,omitempty"`
	Model            string    `json:"model,omitempty"`
	SwBuildID        string    `json:"sw_build_id,omitempty"`
	SuggestedModelID string    `json:"suggested_model_id,omitempty"`
	PairingToken     string    `json:"pairing_token" gorm:"index"`
	Status           string    `json:"status" gorm:"not null;default:PENDING"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
