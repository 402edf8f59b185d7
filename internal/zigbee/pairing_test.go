package zigbee

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/gridnest/gridnest/internal/apperr"
	"github.com/gridnest/gridnest/internal/bus"
	"github.com/gridnest/gridnest/internal/command"
	"github.com/gridnest/gridnest/internal/mqtt"
	"github.com/gridnest/gridnest/internal/store"
)

type nullClient struct{}

func (nullClient) Subscribe(string, byte, mqtt.Handler) error { return nil }
func (nullClient) Unsubscribe(string) error                   { return nil }
func (nullClient) Publish(string, byte, bool, []byte) error   { return nil }
func (nullClient) IsConnected() bool                          { return true }

type env struct {
	repo  *store.Repo
	coord *Coordinator
	owner *store.User
	home  *store.Home
	hub   *store.Hub
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	dsn := "file:zigbee_" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	owner := &store.User{Email: "owner@example.com", PasswordHash: "x", Role: "user"}
	if err := repo.CreateUser(ctx, owner); err != nil {
		t.Fatalf("user: %v", err)
	}
	home := &store.Home{Name: "main", OwnerUserID: owner.ID}
	if err := repo.CreateHome(ctx, home); err != nil {
		t.Fatalf("home: %v", err)
	}
	hub := &store.Hub{HubID: "hub-1", HomeID: home.ID, Online: true}
	if err := repo.CreateHub(ctx, hub); err != nil {
		t.Fatalf("hub: %v", err)
	}

	orch := command.New(repo, nullClient{}, nil, command.Options{})
	return &env{
		repo:  repo,
		coord: NewCoordinator(repo, orch, nil, time.Minute),
		owner: owner,
		home:  home,
		hub:   hub,
	}
}

func wantCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	var ae *apperr.AppError
	if !errors.As(err, &ae) {
		t.Fatalf("error %v is not an AppError", err)
	}
	if ae.Code != code {
		t.Fatalf("code = %s, want %s", ae.Code, code)
	}
}

func announce(ieee, model string) bus.DiscoveredMsg {
	return bus.DiscoveredMsg{
		TS:           time.Now().UnixMilli(),
		IEEE:         ieee,
		ShortAddr:    "0x1a2b",
		Manufacturer: "acme",
		Model:        model,
	}
}

func TestOpenSessionValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.coord.OpenSession(ctx, e.owner.ID, OpenSessionInput{HubID: e.hub.HubID, Mode: "WILD"})
	wantCode(t, err, apperr.ValidationError)

	_, err = e.coord.OpenSession(ctx, e.owner.ID, OpenSessionInput{HubID: e.hub.HubID, Mode: store.PairingTypeFirst})
	wantCode(t, err, apperr.ValidationError)

	stranger := &store.User{Email: "other@example.com", PasswordHash: "x", Role: "user"}
	if err := e.repo.CreateUser(ctx, stranger); err != nil {
		t.Fatalf("user: %v", err)
	}
	_, err = e.coord.OpenSession(ctx, stranger.ID, OpenSessionInput{HubID: e.hub.HubID, Mode: store.PairingLegacy})
	wantCode(t, err, apperr.Forbidden)

	sess, err := e.coord.OpenSession(ctx, e.owner.ID, OpenSessionInput{HubID: e.hub.HubID, Mode: store.PairingLegacy})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if sess.Token == "" || sess.ExpiresAt.Before(time.Now().UTC()) {
		t.Fatalf("session = %+v", sess)
	}

	// One open window per hub.
	_, err = e.coord.OpenSession(ctx, e.owner.ID, OpenSessionInput{HubID: e.hub.HubID, Mode: store.PairingLegacy})
	wantCode(t, err, apperr.Conflict)
}

func TestLegacyDiscoverAndConfirm(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sess, err := e.coord.OpenSession(ctx, e.owner.ID, OpenSessionInput{HubID: e.hub.HubID, Mode: store.PairingLegacy})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ieee := "00124b0001abcd12"
	e.coord.HandleDiscovered(ctx, e.hub.HubID, announce(ieee, "tuya.plug"))

	rows, err := e.coord.ListDiscovered(ctx, e.owner.ID, sess.Token)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].IEEE != ieee || rows[0].Status != store.DiscoveredPending {
		t.Fatalf("discovered = %+v", rows)
	}

	dev, err := e.coord.Confirm(ctx, e.owner.ID, sess.Token, ieee, nil)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if dev.Protocol != store.ProtocolZigbee || dev.ModelID != "tuya.plug" ||
		dev.ZigbeeIEEE == nil || *dev.ZigbeeIEEE != ieee {
		t.Fatalf("device = %+v", dev)
	}

	// Binding closes the session; a second confirm must fail.
	_, err = e.coord.Confirm(ctx, e.owner.ID, sess.Token, ieee, nil)
	wantCode(t, err, apperr.PreconditionFailed)
}

func TestTypeFirstFiltersByModel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	model := "ikea.bulb"
	sess, err := e.coord.OpenSession(ctx, e.owner.ID, OpenSessionInput{
		HubID:           e.hub.HubID,
		Mode:            store.PairingTypeFirst,
		ExpectedModelID: &model,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	e.coord.HandleDiscovered(ctx, e.hub.HubID, announce("00124b0001000001", "tuya.plug"))
	e.coord.HandleDiscovered(ctx, e.hub.HubID, announce("00124b0001000002", "ikea.bulb"))

	rows, err := e.coord.ListDiscovered(ctx, e.owner.ID, sess.Token)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Model != "ikea.bulb" {
		t.Fatalf("filter leaked: %+v", rows)
	}
}

func TestSerialFirstAutoBinds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	serial := "ZB-SN-001"
	item := &store.DeviceInventory{
		Serial:        serial,
		DeviceUUID:    "11111111-2222-3333-4444-555555555555",
		Protocol:      store.ProtocolZigbee,
		ModelID:       "ikea.bulb",
		TypeDefault:   "light",
		SetupCodeHash: "x",
		Status:        store.InventoryClaimed,
	}
	if err := e.repo.CreateDeviceInventory(ctx, item); err != nil {
		t.Fatalf("inventory: %v", err)
	}

	sess, err := e.coord.OpenSession(ctx, e.owner.ID, OpenSessionInput{
		HubID:         e.hub.HubID,
		Mode:          store.PairingSerialFirst,
		ClaimedSerial: &serial,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Wrong model does not bind; the matching one does.
	e.coord.HandleDiscovered(ctx, e.hub.HubID, announce("00124b0001000001", "tuya.plug"))
	ieee := "00124b0001000002"
	e.coord.HandleDiscovered(ctx, e.hub.HubID, announce(ieee, "ikea.bulb"))

	dev, err := e.repo.GetDeviceByIEEE(ctx, ieee)
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if dev.DeviceID != item.DeviceUUID || dev.Serial == nil || *dev.Serial != serial || dev.Type != "light" {
		t.Fatalf("device = %+v", dev)
	}

	got, err := e.repo.GetPairingSession(ctx, sess.Token)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if !got.Closed {
		t.Fatalf("auto-bind left the session open")
	}
}

func TestSerialFirstRequiresClaimedZigbeeSerial(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	serial := "ZB-SN-001"
	item := &store.DeviceInventory{
		Serial:        serial,
		DeviceUUID:    "11111111-2222-3333-4444-555555555555",
		Protocol:      store.ProtocolZigbee,
		SetupCodeHash: "x",
		Status:        store.InventoryFactoryNew,
	}
	if err := e.repo.CreateDeviceInventory(ctx, item); err != nil {
		t.Fatalf("inventory: %v", err)
	}

	_, err := e.coord.OpenSession(ctx, e.owner.ID, OpenSessionInput{
		HubID:         e.hub.HubID,
		Mode:          store.PairingSerialFirst,
		ClaimedSerial: &serial,
	})
	wantCode(t, err, apperr.PreconditionFailed)
}

func TestCancelClosesWindow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sess, err := e.coord.OpenSession(ctx, e.owner.ID, OpenSessionInput{HubID: e.hub.HubID, Mode: store.PairingLegacy})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.coord.Cancel(ctx, e.owner.ID, sess.Token); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Cancel is idempotent.
	if err := e.coord.Cancel(ctx, e.owner.ID, sess.Token); err != nil {
		t.Fatalf("second cancel: %v", err)
	}

	// The hub is free for a new window.
	if _, err := e.coord.OpenSession(ctx, e.owner.ID, OpenSessionInput{HubID: e.hub.HubID, Mode: store.PairingLegacy}); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}
