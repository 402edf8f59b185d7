package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	// Use a unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:store_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func seedHomeAndDevice(t *testing.T, repo *Repo) (*Home, *Device) {
	t.Helper()
	ctx := context.Background()
	u := &User{Email: "owner@example.com", PasswordHash: "x", Role: "user"}
	if err := repo.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	h := &Home{Name: "main", OwnerUserID: u.ID}
	if err := repo.CreateHome(ctx, h); err != nil {
		t.Fatalf("create home: %v", err)
	}
	d := &Device{
		DeviceID:        "d1",
		HomeID:          h.ID,
		Protocol:        ProtocolMQTT,
		LifecycleStatus: LifecycleBound,
	}
	if err := repo.CreateDevice(ctx, d); err != nil {
		t.Fatalf("create device: %v", err)
	}
	return h, d
}

func TestResolveCommandFirstWriterWins(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	_, dev := seedHomeAndDevice(t, repo)

	cmd := &Command{DeviceID: dev.ID, CmdID: "c-1", Status: CommandPending, SentAt: time.Now().UTC()}
	if err := repo.InsertCommand(ctx, cmd); err != nil {
		t.Fatalf("insert: %v", err)
	}

	now := time.Now().UTC()
	won, err := repo.ResolveCommand(ctx, "c-1", CommandAcked, &now, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !won {
		t.Fatalf("first resolve should win")
	}

	// A late timeout must not overwrite the ACK.
	won, err = repo.ResolveCommand(ctx, "c-1", CommandTimeout, nil, "ack deadline exceeded")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if won {
		t.Fatalf("second resolve must lose")
	}
	got, err := repo.GetCommandByCmdID(ctx, "c-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != CommandAcked {
		t.Fatalf("status = %s, want ACKED", got.Status)
	}
}

func TestResolveCommandUnknownCmdID(t *testing.T) {
	repo := openTestRepo(t)
	won, err := repo.ResolveCommand(context.Background(), "no-such", CommandAcked, nil, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if won {
		t.Fatalf("resolve of unknown cmdId must not win")
	}
}

func TestNextEventSeqMonotonic(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	home, _ := seedHomeAndDevice(t, repo)

	var last int64
	for i := 0; i < 5; i++ {
		seq, err := repo.NextEventSeq(ctx, home.ID)
		if err != nil {
			t.Fatalf("next seq: %v", err)
		}
		if seq <= last {
			t.Fatalf("seq %d not greater than %d", seq, last)
		}
		last = seq
	}
}

func TestNextEventSeqUnknownHome(t *testing.T) {
	repo := openTestRepo(t)
	if _, err := repo.NextEventSeq(context.Background(), 9999); err == nil {
		t.Fatalf("expected error for unknown home")
	}
}

func TestClaimHubInventoryOnce(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	home, _ := seedHomeAndDevice(t, repo)

	item := &HubInventory{HubID: "hub-1", SetupCodeHash: "hash", Status: InventoryFactoryNew}
	if err := repo.CreateHubInventory(ctx, item); err != nil {
		t.Fatalf("create: %v", err)
	}

	won, err := repo.ClaimHubInventory(ctx, "hub-1", home.OwnerUserID, home.ID)
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	won, err = repo.ClaimHubInventory(ctx, "hub-1", home.OwnerUserID, home.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if won {
		t.Fatalf("second claim must lose")
	}

	got, err := repo.GetHubInventory(ctx, "hub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != InventoryClaimed {
		t.Fatalf("status = %s, want CLAIMED", got.Status)
	}
}

func TestUpsertStateCurrentReplacesSnapshot(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	_, dev := seedHomeAndDevice(t, repo)

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := repo.UpsertStateCurrent(ctx, &DeviceStateCurrent{DeviceID: dev.ID, State: []byte(`{"relay":false}`), LastSeen: t1, Online: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	t2 := t1.Add(time.Minute)
	if err := repo.UpsertStateCurrent(ctx, &DeviceStateCurrent{DeviceID: dev.ID, State: []byte(`{"relay":true}`), LastSeen: t2, Online: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	cur, err := repo.GetStateCurrent(ctx, dev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !cur.LastSeen.Equal(t2) {
		t.Fatalf("lastSeen = %v, want %v", cur.LastSeen, t2)
	}
	if string(cur.State) != `{"relay":true}` {
		t.Fatalf("state = %s", cur.State)
	}
}

func TestListPendingForTarget(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	_, dev := seedHomeAndDevice(t, repo)

	hubID := "hub-9"
	now := time.Now().UTC()
	cmds := []*Command{
		{DeviceID: dev.ID, CmdID: "c-dev", Status: CommandPending, SentAt: now},
		{HubID: &hubID, CmdID: "c-hub", Status: CommandPending, SentAt: now},
		{DeviceID: dev.ID, CmdID: "c-done", Status: CommandAcked, SentAt: now},
	}
	for _, c := range cmds {
		if err := repo.InsertCommand(ctx, c); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	devPending, err := repo.ListPendingForTarget(ctx, dev.ID, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devPending) != 1 || devPending[0].CmdID != "c-dev" {
		t.Fatalf("device pending = %+v", devPending)
	}
	hubPending, err := repo.ListPendingForTarget(ctx, 0, hubID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(hubPending) != 1 || hubPending[0].CmdID != "c-hub" {
		t.Fatalf("hub pending = %+v", hubPending)
	}
}

func TestSetRolloutStatusPredicate(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	rel := &FirmwareRelease{TargetType: "hub", Version: "1.2.0", URL: "https://fw/1.2.0.bin", SHA256: "abc"}
	if err := repo.CreateFirmwareRelease(ctx, rel); err != nil {
		t.Fatalf("release: %v", err)
	}
	ro := &FirmwareRollout{ReleaseID: rel.ID, Status: RolloutCreated}
	if err := repo.CreateRollout(ctx, ro, []RolloutTarget{{HubID: "hub-1"}}); err != nil {
		t.Fatalf("rollout: %v", err)
	}

	won, err := repo.SetRolloutStatus(ctx, ro.ID, []string{RolloutCreated}, RolloutRunning)
	if err != nil || !won {
		t.Fatalf("start: won=%v err=%v", won, err)
	}
	// Starting again from CREATED must fail; it is RUNNING now.
	won, err = repo.SetRolloutStatus(ctx, ro.ID, []string{RolloutCreated}, RolloutRunning)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if won {
		t.Fatalf("restart from CREATED must lose")
	}
}

func TestListDivergedDeployments(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	home, _ := seedHomeAndDevice(t, repo)

	now := time.Now().UTC()
	future := now.Add(time.Hour)
	rows := []*AutomationDeployment{
		{HubID: "h1", HomeID: home.ID, DesiredVersion: 3, AppliedVersion: 1},
		{HubID: "h2", HomeID: home.ID, DesiredVersion: 2, AppliedVersion: 2},
		{HubID: "h3", HomeID: home.ID, DesiredVersion: 5, AppliedVersion: 1, NextRetryAt: &future},
	}
	for _, d := range rows {
		if err := repo.UpsertDeployment(ctx, d); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	diverged, err := repo.ListDivergedDeployments(ctx, now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(diverged) != 1 || diverged[0].HubID != "h1" {
		t.Fatalf("diverged = %+v", diverged)
	}
}
