// Package inventory manages the factory registry of hubs and devices
// and the claim handshake that binds them to a home.
package inventory

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/gridnest/gridnest/internal/apperr"
	"github.com/gridnest/gridnest/internal/command"
	"github.com/gridnest/gridnest/internal/store"
)

const (
	claimMaxFailures = 5
	claimLockoutTTL  = 15 * time.Minute
)

type Service struct {
	repo *store.Repo
	rdb  *redis.Client
	orch *command.Orchestrator
}

func New(repo *store.Repo, rdb *redis.Client, orch *command.Orchestrator) *Service {
	s := &Service{repo: repo, rdb: rdb, orch: orch}
	orch.AddListener(s.onCommandResolved)
	return s
}

// --- Registration (admin) ---

type HubSeed struct {
	HubID   string  `json:"hubId"`
	Serial  *string `json:"serial,omitempty"`
	ModelID string  `json:"modelId,omitempty"`
}

type DeviceSeed struct {
	Serial      string `json:"serial"`
	Protocol    string `json:"protocol"`
	TypeDefault string `json:"typeDefault,omitempty"`
	ModelID     string `json:"modelId,omitempty"`
}

// Created carries the one-shot secrets of a freshly registered row. The
// plaintext setup code is never persisted and never shown again.
type Created struct {
	HubID     string `json:"hubId,omitempty"`
	Serial    string `json:"serial,omitempty"`
	SetupCode string `json:"setupCode"`
	QRPayload string `json:"qrPayload"`
}

func (s *Service) RegisterHub(ctx context.Context, seed HubSeed) (*Created, error) {
	if seed.HubID == "" {
		return nil, apperr.New(apperr.ValidationError, "hubId is required")
	}
	code, hash, err := newSetupCode()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "setup code generation failed", err)
	}
	item := &store.HubInventory{
		HubID:         seed.HubID,
		Serial:        seed.Serial,
		ModelID:       seed.ModelID,
		SetupCodeHash: hash,
		Status:        store.InventoryFactoryNew,
	}
	if err := s.repo.CreateHubInventory(ctx, item); err != nil {
		return nil, apperr.Wrap(apperr.Conflict, "hub already registered", err)
	}
	return &Created{
		HubID:     seed.HubID,
		SetupCode: code,
		QRPayload: fmt.Sprintf("gridnest://claim?kind=hub&id=%s&code=%s", seed.HubID, code),
	}, nil
}

func (s *Service) RegisterDevice(ctx context.Context, seed DeviceSeed) (*Created, error) {
	if seed.Serial == "" {
		return nil, apperr.New(apperr.ValidationError, "serial is required")
	}
	if seed.Protocol != store.ProtocolMQTT && seed.Protocol != store.ProtocolZigbee {
		return nil, apperr.New(apperr.ValidationError, "protocol must be MQTT or ZIGBEE")
	}
	code, hash, err := newSetupCode()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "setup code generation failed", err)
	}
	item := &store.DeviceInventory{
		Serial:        seed.Serial,
		DeviceUUID:    uuid.NewString(),
		TypeDefault:   seed.TypeDefault,
		Protocol:      seed.Protocol,
		ModelID:       seed.ModelID,
		SetupCodeHash: hash,
		Status:        store.InventoryFactoryNew,
	}
	if err := s.repo.CreateDeviceInventory(ctx, item); err != nil {
		return nil, apperr.Wrap(apperr.Conflict, "serial already registered", err)
	}
	return &Created{
		Serial:    seed.Serial,
		SetupCode: code,
		QRPayload: fmt.Sprintf("gridnest://claim?kind=device&serial=%s&code=%s", seed.Serial, code),
	}, nil
}

// BulkResult reports per-row outcomes of a bulk registration; rows fail
// independently.
type BulkResult struct {
	Created []Created `json:"created"`
	Errors  []string  `json:"errors,omitempty"`
}

func (s *Service) RegisterDevices(ctx context.Context, seeds []DeviceSeed) BulkResult {
	var out BulkResult
	for _, seed := range seeds {
		c, err := s.RegisterDevice(ctx, seed)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", seed.Serial, err))
			continue
		}
		out.Created = append(out.Created, *c)
	}
	return out
}

// --- Claiming ---

// HubClaim is the one-shot result of a successful hub claim. The MQTT
// secret is stored hashed; this is the only time the plaintext exists.
type HubClaim struct {
	Hub        *store.Hub `json:"hub"`
	MQTTSecret string     `json:"mqttSecret"`
}

func (s *Service) ClaimHub(ctx context.Context, userID, homeID uint, hubID, setupCode string) (*HubClaim, error) {
	home, err := s.repo.GetHome(ctx, homeID)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "home not found", err)
	}
	if home.OwnerUserID != userID {
		return nil, apperr.New(apperr.Forbidden, "home is not yours")
	}
	item, err := s.repo.GetHubInventory(ctx, hubID)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "unknown hub", err)
	}
	if err := s.verifyCode(ctx, "hub:"+hubID, item.SetupCodeHash, setupCode); err != nil {
		return nil, err
	}
	secret, secretHash, err := newSecret()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "secret generation failed", err)
	}
	hub := &store.Hub{HubID: hubID, HomeID: homeID, MQTTSecretHash: secretHash}
	// Inventory flip and hub provisioning commit together or not at all.
	err = s.repo.Tx(ctx, func(tx *store.Repo) error {
		won, err := tx.ClaimHubInventory(ctx, hubID, userID, homeID)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "claim failed", err)
		}
		if !won {
			return apperr.New(apperr.Conflict, "hub already claimed")
		}
		if err := tx.CreateHub(ctx, hub); err != nil {
			return apperr.Wrap(apperr.Internal, "hub provisioning failed", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("hub claimed", "hub_id", hubID, "home_id", homeID, "user_id", userID)
	return &HubClaim{Hub: hub, MQTTSecret: secret}, nil
}

type DeviceClaim struct {
	Device     *store.Device `json:"device"`
	MQTTSecret string        `json:"mqttSecret"`
}

// ClaimDevice binds an MQTT-plane device to a home. Zigbee serials are
// claimed through pairing, not here.
func (s *Service) ClaimDevice(ctx context.Context, userID, homeID uint, serial, setupCode string) (*DeviceClaim, error) {
	home, err := s.repo.GetHome(ctx, homeID)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "home not found", err)
	}
	if home.OwnerUserID != userID {
		return nil, apperr.New(apperr.Forbidden, "home is not yours")
	}
	item, err := s.repo.GetDeviceInventoryBySerial(ctx, serial)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "unknown serial", err)
	}
	if item.Protocol == store.ProtocolZigbee {
		return nil, apperr.New(apperr.ValidationError, "zigbee devices join through a pairing session")
	}
	if err := s.verifyCode(ctx, "device:"+serial, item.SetupCodeHash, setupCode); err != nil {
		return nil, err
	}
	secret, secretHash, err := newSecret()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "secret generation failed", err)
	}
	now := time.Now().UTC()
	var dev *store.Device
	// The inventory flip and the device write commit together: a failed
	// provisioning must not strand the serial in CLAIMED.
	err = s.repo.Tx(ctx, func(tx *store.Repo) error {
		existing, err := tx.GetDeviceByDeviceID(ctx, item.DeviceUUID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return apperr.Wrap(apperr.Internal, "device lookup failed", err)
		}
		if existing != nil {
			if open, _ := tx.GetOpenResetRequest(ctx, existing.ID); open != nil {
				return apperr.New(apperr.PreconditionFailed, "a reset is still pending for this serial")
			}
			if existing.LifecycleStatus != store.LifecycleUnbound {
				return apperr.New(apperr.Conflict, "device already claimed")
			}
		}
		won, err := tx.ClaimDeviceInventory(ctx, serial)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "claim failed", err)
		}
		if !won {
			return apperr.New(apperr.Conflict, "device already claimed")
		}
		if existing != nil {
			// A factory-reset device keeps its row; re-claiming rebinds
			// it, possibly into a different home.
			existing.HomeID = homeID
			existing.RoomID = nil
			existing.Type = item.TypeDefault
			existing.LifecycleStatus = store.LifecycleBound
			existing.ModelID = item.ModelID
			existing.MQTTSecretHash = secretHash
			existing.BoundAt = &now
			existing.UnboundAt = nil
			if err := tx.SaveDevice(ctx, existing); err != nil {
				return apperr.Wrap(apperr.Internal, "device provisioning failed", err)
			}
			dev = existing
			return nil
		}
		dev = &store.Device{
			DeviceID:        item.DeviceUUID,
			HomeID:          homeID,
			Type:            item.TypeDefault,
			Protocol:        store.ProtocolMQTT,
			LifecycleStatus: store.LifecycleBound,
			Serial:          &item.Serial,
			ModelID:         item.ModelID,
			MQTTSecretHash:  secretHash,
			BoundAt:         &now,
		}
		if err := tx.CreateDevice(ctx, dev); err != nil {
			return apperr.Wrap(apperr.Internal, "device provisioning failed", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("device claimed", "serial", serial, "device_db_id", dev.ID, "home_id", homeID)
	return &DeviceClaim{Device: dev, MQTTSecret: secret}, nil
}

// verifyCode checks the setup code against the stored bcrypt hash with a
// per-row failure counter in Redis. Five failures lock the row for the
// lockout window.
func (s *Service) verifyCode(ctx context.Context, rowKey, hash, code string) error {
	lockKey := "claim_lockout:" + rowKey
	failKey := "claim_failures:" + rowKey
	if s.rdb != nil {
		if exists, _ := s.rdb.Exists(ctx, lockKey).Result(); exists == 1 {
			return apperr.New(apperr.AuthFailed, "too many failed attempts, try again later")
		}
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil {
		if s.rdb != nil {
			s.rdb.Del(ctx, failKey)
		}
		return nil
	}
	if s.rdb != nil {
		count, err := s.rdb.Incr(ctx, failKey).Result()
		if err == nil {
			s.rdb.Expire(ctx, failKey, claimLockoutTTL)
			if count >= claimMaxFailures {
				_ = s.rdb.Set(ctx, lockKey, "1", claimLockoutTTL).Err()
			}
		}
	}
	return apperr.New(apperr.AuthFailed, "setup code mismatch")
}

// --- Revocation ---

// RequestReset issues a RECONNECT or FACTORY_RESET command to a bound
// device. Offline targets are allowed; the command is delivered when the
// device reconnects.
func (s *Service) RequestReset(ctx context.Context, deviceDbID uint, kind string) (*store.Command, error) {
	if kind != store.ResetReconnect && kind != store.ResetFactoryReset {
		return nil, apperr.New(apperr.ValidationError, "unknown reset type")
	}
	if open, err := s.repo.GetOpenResetRequest(ctx, deviceDbID); err == nil && open != nil {
		return nil, apperr.New(apperr.Conflict, "a reset request is already in flight")
	}
	dev, err := s.repo.GetDevice(ctx, deviceDbID)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "device not found", err)
	}

	in := command.Input{AllowOffline: true}
	if dev.Protocol == store.ProtocolZigbee {
		in.Action = resetAction(kind)
	} else {
		payload, _ := json.Marshal(map[string]string{"cmd": resetAction(kind)})
		in.Payload = payload
	}
	cmd, err := s.orch.SubmitDeviceCommand(ctx, deviceDbID, in)
	if err != nil {
		return nil, err
	}
	rr := &store.ResetRequest{DeviceID: deviceDbID, Type: kind, CmdID: cmd.CmdID}
	if err := s.repo.InsertResetRequest(ctx, rr); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "reset request persist failed", err)
	}
	return cmd, nil
}

// onCommandResolved finalizes a revocation when its reset command is
// acknowledged: the device unbinds and its inventory row returns to the
// factory pool.
func (s *Service) onCommandResolved(res command.Resolution) {
	if !res.OK {
		return
	}
	ctx := context.Background()
	rr, err := s.repo.GetOpenResetByCmdID(ctx, res.Cmd.CmdID)
	if err != nil {
		return
	}
	if rr.Type == store.ResetFactoryReset {
		err := s.repo.Tx(ctx, func(tx *store.Repo) error {
			dev, err := tx.GetDevice(ctx, rr.DeviceID)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			dev.LifecycleStatus = store.LifecycleUnbound
			dev.UnboundAt = &now
			if err := tx.SaveDevice(ctx, dev); err != nil {
				return err
			}
			if dev.Serial != nil {
				return tx.ReleaseDeviceInventory(ctx, *dev.Serial)
			}
			return nil
		})
		if err != nil {
			slog.Error("reset finalize failed", "device_db_id", rr.DeviceID, "error", err)
			return
		}
		slog.Info("device factory reset complete", "device_db_id", rr.DeviceID)
	}
	if err := s.repo.ResolveResetRequest(ctx, rr.ID); err != nil {
		slog.Error("reset request resolve failed", "id", rr.ID, "error", err)
	}
}

func resetAction(kind string) string {
	if kind == store.ResetFactoryReset {
		return "factory_reset"
	}
	return "reconnect"
}

// --- Helpers ---

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func randomCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

func newSetupCode() (plain, hash string, err error) {
	plain, err = randomCode(10)
	if err != nil {
		return "", "", err
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return plain, string(h), nil
}

func newSecret() (plain, hash string, err error) {
	plain, err = randomCode(32)
	if err != nil {
		return "", "", err
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return plain, string(h), nil
}
