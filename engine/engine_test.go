// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftsync/driftsync/lib/clock"
	"github.com/driftsync/driftsync/lib/configtree"
	"github.com/driftsync/driftsync/lib/conflict"
	"github.com/driftsync/driftsync/lib/keyring"
	"github.com/driftsync/driftsync/lib/pairing"
	"github.com/driftsync/driftsync/lib/state"
	"github.com/driftsync/driftsync/transport"
)

type testEnv struct {
	deviceID string
	engine   *Engine
	keyring  *keyring.Manager
	store    *state.Store
	configs  *configtree.FileStore
	memory   *transport.Memory
	clk      *clock.FakeClock
}

type envConfig struct {
	deviceID   string
	statePath  string // "" means :memory:
	configPath string // "" means a fresh temp document
	rotation   keyring.RotationPolicy
	keyring    *keyring.Manager // overrides a fresh identity when set
}

func newTestEnv(t *testing.T, clk *clock.FakeClock, hub *transport.Hub, cfg envConfig) *testEnv {
	t.Helper()
	ctx := context.Background()

	manager := cfg.keyring
	if manager == nil {
		var err error
		manager, err = keyring.NewManager(keyring.Options{
			WorkspaceID: "ws-1",
			DeviceID:    cfg.deviceID,
			Rotation:    cfg.rotation,
			Clock:       clk,
		})
		if err != nil {
			t.Fatalf("NewManager(%s) error: %v", cfg.deviceID, err)
		}
		t.Cleanup(func() { manager.Close() })
	}

	statePath := cfg.statePath
	if statePath == "" {
		statePath = ":memory:"
	}
	store, err := state.Open(state.Config{
		Path:        statePath,
		WorkspaceID: "ws-1",
		Clock:       clk,
	})
	if err != nil {
		t.Fatalf("state.Open(%s) error: %v", cfg.deviceID, err)
	}
	t.Cleanup(func() { store.Close() })

	registry := pairing.NewRegistry(store, clk, nil)
	configPath := cfg.configPath
	if configPath == "" {
		configPath = filepath.Join(t.TempDir(), cfg.deviceID+".json")
	}
	configs := configtree.NewFileStore(configPath)
	memory := hub.Transport(cfg.deviceID)
	transports, err := transport.NewManager(nil, memory)
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}

	engine, err := New(Options{
		UserID:         "user-1",
		Keyring:        manager,
		State:          store,
		Registry:       registry,
		Configs:        configs,
		Transports:     transports,
		Clock:          clk,
		RetryBaseDelay: -1, // no backoff sleeps in tests
	})
	if err != nil {
		t.Fatalf("New(%s) error: %v", cfg.deviceID, err)
	}
	if err := engine.Initialize(ctx); err != nil {
		t.Fatalf("Initialize(%s) error: %v", cfg.deviceID, err)
	}

	return &testEnv{
		deviceID: cfg.deviceID,
		engine:   engine,
		keyring:  manager,
		store:    store,
		configs:  configs,
		memory:   memory,
		clk:      clk,
	}
}

// setSection writes one top-level section through the config store and
// notes the change with the engine, the way a settings UI would.
func (env *testEnv) setSection(t *testing.T, section string, value map[string]any) {
	t.Helper()
	ctx := context.Background()

	tree, _, err := env.configs.Snapshot(ctx)
	if err != nil {
		t.Fatalf("reading config store: %v", err)
	}
	tree[section] = value
	meta := configtree.Meta{
		Timestamp: env.clk.Now(),
		DeviceID:  env.deviceID,
		UserID:    "user-1",
	}
	if err := env.configs.Apply(ctx, tree, meta); err != nil {
		t.Fatalf("applying config change: %v", err)
	}
	if err := env.engine.NoteLocalChange(ctx); err != nil {
		t.Fatalf("NoteLocalChange() error: %v", err)
	}
}

// leaf reads a dotted path from the env's config store.
func (env *testEnv) leaf(t *testing.T, path string) any {
	t.Helper()
	tree, _, err := env.configs.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("reading config store: %v", err)
	}
	value, _ := tree.Get(path)
	return value
}

// pairAndTrust runs the full mutual pairing handshake between two
// engines.
func pairAndTrust(t *testing.T, a, b *testEnv) {
	t.Helper()

	payloadA, err := a.engine.GeneratePairingPayload(a.deviceID, "desktop", "linux", nil)
	if err != nil {
		t.Fatalf("GeneratePairingPayload(%s) error: %v", a.deviceID, err)
	}
	rawA, err := json.Marshal(payloadA)
	if err != nil {
		t.Fatalf("encoding payload: %v", err)
	}
	if _, err := b.engine.ProcessPairingPayload(rawA); err != nil {
		t.Fatalf("ProcessPairingPayload(%s) error: %v", b.deviceID, err)
	}

	payloadB, err := b.engine.GeneratePairingPayload(b.deviceID, "mobile", "android", nil)
	if err != nil {
		t.Fatalf("GeneratePairingPayload(%s) error: %v", b.deviceID, err)
	}
	rawB, err := json.Marshal(payloadB)
	if err != nil {
		t.Fatalf("encoding payload: %v", err)
	}
	if _, err := a.engine.ProcessPairingPayload(rawB); err != nil {
		t.Fatalf("ProcessPairingPayload(%s) error: %v", a.deviceID, err)
	}

	if _, err := a.engine.TrustDevice(b.deviceID); err != nil {
		t.Fatalf("TrustDevice(%s) error: %v", b.deviceID, err)
	}
	if _, err := b.engine.TrustDevice(a.deviceID); err != nil {
		t.Fatalf("TrustDevice(%s) error: %v", a.deviceID, err)
	}
}

func waitFor(t *testing.T, message string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(message)
}

func testClock() *clock.FakeClock {
	return clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestEngine_TwoDeviceConvergence(t *testing.T) {
	clk := testClock()
	hub := transport.NewHub()
	laptop := newTestEnv(t, clk, hub, envConfig{deviceID: "laptop"})
	phone := newTestEnv(t, clk, hub, envConfig{deviceID: "phone"})
	pairAndTrust(t, laptop, phone)
	ctx := context.Background()

	laptop.setSection(t, "preferences", map[string]any{"theme": "dark"})
	if !laptop.engine.State().PendingChanges {
		t.Error("PendingChanges = false after a local change")
	}
	if err := laptop.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow(laptop) error: %v", err)
	}
	if laptop.engine.State().PendingChanges {
		t.Error("PendingChanges = true after a successful upload")
	}

	if err := phone.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow(phone) error: %v", err)
	}
	if got := phone.leaf(t, "preferences.theme"); got != "dark" {
		t.Errorf("phone preferences.theme = %v, want dark", got)
	}

	phoneState := phone.engine.State()
	if phoneState.Conflicts != 0 {
		t.Errorf("phone conflicts = %d, want 0", phoneState.Conflicts)
	}
	if phoneState.Epoch != laptop.keyring.Epoch() {
		t.Errorf("phone epoch = %d, want %d (adopted from wrap manifest)", phoneState.Epoch, laptop.keyring.Epoch())
	}
	if phoneState.Clock.Counter("laptop") != 2 || phoneState.Clock.Counter("phone") != 1 {
		t.Errorf("phone clock = %v, want laptop:2 phone:1", phoneState.Clock)
	}

	// The laptop picks up the phone's merged snapshot; nothing changes
	// in its tree, but its clock joins.
	if err := laptop.engine.SyncNow(ctx); err != nil {
		t.Fatalf("second SyncNow(laptop) error: %v", err)
	}
	laptopState := laptop.engine.State()
	if laptopState.Clock.Counter("phone") != 1 {
		t.Errorf("laptop clock = %v, want phone entry merged in", laptopState.Clock)
	}
	if got := laptop.leaf(t, "preferences.theme"); got != "dark" {
		t.Errorf("laptop preferences.theme = %v, want dark", got)
	}
}

func TestEngine_ManualPolicyRecordsAndResolvesConflict(t *testing.T) {
	clk := testClock()
	hub := transport.NewHub()
	laptop := newTestEnv(t, clk, hub, envConfig{deviceID: "laptop"})
	phone := newTestEnv(t, clk, hub, envConfig{deviceID: "phone"})
	pairAndTrust(t, laptop, phone)
	ctx := context.Background()

	sub := phone.engine.Subscribe()
	defer sub.Close()

	// Both devices edit the same section before either syncs.
	laptop.setSection(t, "preferences", map[string]any{"theme": "dark"})
	phone.setSection(t, "preferences", map[string]any{"theme": "light"})

	if err := laptop.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow(laptop) error: %v", err)
	}
	if err := phone.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow(phone) error: %v", err)
	}

	// Manual policy: the phone keeps its own value and records one
	// conflict for the contested section.
	if got := phone.leaf(t, "preferences.theme"); got != "light" {
		t.Errorf("phone preferences.theme = %v, want light (local kept)", got)
	}
	conflicts, err := phone.engine.Conflicts()
	if err != nil {
		t.Fatalf("Conflicts() error: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(conflicts))
	}
	record := conflicts[0]
	if record.Path != "preferences" {
		t.Errorf("conflict path = %q, want preferences", record.Path)
	}
	if !configtree.Equal(record.Local.Value, map[string]any{"theme": "light"}) {
		t.Errorf("conflict local value = %v", record.Local.Value)
	}
	if !configtree.Equal(record.Remote.Value, map[string]any{"theme": "dark"}) {
		t.Errorf("conflict remote value = %v", record.Remote.Value)
	}
	if phone.engine.State().Conflicts != 1 {
		t.Errorf("state conflicts = %d, want 1", phone.engine.State().Conflicts)
	}

	detected := false
	for !detected {
		select {
		case event := <-sub.C:
			if event.Type == EventConflictDetected && event.ConflictID == record.ID {
				detected = true
			}
		default:
			t.Fatal("no conflict_detected event published")
		}
	}

	// Resolving in favor of the remote adopts the laptop's value.
	if err := phone.engine.ResolveConflict(ctx, record.ID, conflict.ResolutionRemote); err != nil {
		t.Fatalf("ResolveConflict() error: %v", err)
	}
	if got := phone.leaf(t, "preferences.theme"); got != "dark" {
		t.Errorf("resolved preferences.theme = %v, want dark", got)
	}
	if phone.engine.State().Conflicts != 0 {
		t.Errorf("state conflicts after resolution = %d, want 0", phone.engine.State().Conflicts)
	}

	// Double resolution is rejected.
	if err := phone.engine.ResolveConflict(ctx, record.ID, conflict.ResolutionLocal); err == nil {
		t.Error("resolving an already-resolved conflict succeeded")
	}
}

func TestEngine_LatestPolicyBreaksTiesDeterministically(t *testing.T) {
	clk := testClock()
	hub := transport.NewHub()
	laptop := newTestEnv(t, clk, hub, envConfig{deviceID: "laptop"})
	phone := newTestEnv(t, clk, hub, envConfig{deviceID: "phone"})
	pairAndTrust(t, laptop, phone)
	ctx := context.Background()

	policy := conflict.PolicyLatest
	if err := phone.engine.UpdateSyncConfig(ConfigUpdate{Policy: &policy}); err != nil {
		t.Fatalf("UpdateSyncConfig() error: %v", err)
	}

	// Identical timestamps: the smaller device ID ("laptop") wins.
	laptop.setSection(t, "preferences", map[string]any{"theme": "dark"})
	phone.setSection(t, "preferences", map[string]any{"theme": "light"})

	if err := laptop.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow(laptop) error: %v", err)
	}
	if err := phone.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow(phone) error: %v", err)
	}

	if got := phone.leaf(t, "preferences.theme"); got != "dark" {
		t.Errorf("phone preferences.theme = %v, want dark (tie-break winner)", got)
	}
	if got := phone.engine.State().Conflicts; got != 0 {
		t.Errorf("latest policy recorded %d conflicts, want 0", got)
	}
}

func TestEngine_TransportFailureLeavesConfigIntact(t *testing.T) {
	clk := testClock()
	hub := transport.NewHub()
	env := newTestEnv(t, clk, hub, envConfig{deviceID: "laptop"})
	ctx := context.Background()

	env.setSection(t, "preferences", map[string]any{"theme": "dark"})
	env.memory.Fail(errors.New("link down"))

	err := env.engine.SyncNow(ctx)
	if err == nil {
		t.Fatal("SyncNow() with a failing transport succeeded")
	}
	if !transport.IsRetryable(err) {
		t.Errorf("SyncNow() error %v is not retryable", err)
	}

	syncState := env.engine.State()
	if syncState.Status != StatusError {
		t.Errorf("status = %q, want %q", syncState.Status, StatusError)
	}
	if syncState.Stats.Retries != defaultMaxRetries {
		t.Errorf("retries = %d, want %d", syncState.Stats.Retries, defaultMaxRetries)
	}
	if syncState.LastError == "" {
		t.Error("LastError empty after failed cycle")
	}
	if !syncState.PendingChanges {
		t.Error("PendingChanges cleared by a failed cycle")
	}
	if got := env.leaf(t, "preferences.theme"); got != "dark" {
		t.Errorf("config after failed cycle = %v, want dark (unchanged)", got)
	}

	// The transport heals: the next cycle succeeds and clears the
	// error.
	env.memory.Fail(nil)
	if err := env.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() after heal error: %v", err)
	}
	syncState = env.engine.State()
	if syncState.Status != StatusIdle || syncState.LastError != "" {
		t.Errorf("state after heal = %q/%q, want idle with no error", syncState.Status, syncState.LastError)
	}
	if syncState.Stats.Retries != 0 {
		t.Errorf("retries after clean cycle = %d, want 0", syncState.Stats.Retries)
	}
}

// gateTransport blocks downloads until the gate opens, keeping a cycle
// in flight for as long as the test needs.
type gateTransport struct {
	*transport.Memory
	gate chan struct{}
}

func (g *gateTransport) Download(ctx context.Context) ([][]byte, error) {
	<-g.gate
	return g.Memory.Download(ctx)
}

func TestEngine_OverlappingTriggersCoalesce(t *testing.T) {
	clk := testClock()
	hub := transport.NewHub()
	env := newTestEnv(t, clk, hub, envConfig{deviceID: "laptop"})
	ctx := context.Background()

	gate := &gateTransport{Memory: hub.Transport("laptop"), gate: make(chan struct{})}
	transports, err := transport.NewManager(nil, gate)
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	env.engine.transports = transports

	firstDone := make(chan error, 1)
	go func() { firstDone <- env.engine.SyncNow(ctx) }()
	waitFor(t, "first cycle never started", func() bool {
		return env.engine.State().Status == StatusSyncing
	})

	// A second trigger while syncing is a no-op, not a queued cycle.
	if err := env.engine.SyncNow(ctx); err != nil {
		t.Fatalf("coalesced SyncNow() error: %v", err)
	}

	close(gate.gate)
	if err := <-firstDone; err != nil {
		t.Fatalf("gated SyncNow() error: %v", err)
	}
	if got := hub.Uploads(); got != 1 {
		t.Errorf("uploads = %d, want 1 (second trigger coalesced)", got)
	}
	if got := env.engine.State().Stats.Total; got != 1 {
		t.Errorf("cycles = %d, want 1", got)
	}
}

func TestEngine_RemovedDeviceIsLockedOut(t *testing.T) {
	clk := testClock()
	hub := transport.NewHub()
	laptop := newTestEnv(t, clk, hub, envConfig{deviceID: "laptop"})
	phone := newTestEnv(t, clk, hub, envConfig{deviceID: "phone"})
	pairAndTrust(t, laptop, phone)
	ctx := context.Background()

	laptop.setSection(t, "preferences", map[string]any{"theme": "dark"})
	if err := laptop.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow(laptop) error: %v", err)
	}
	if err := phone.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow(phone) error: %v", err)
	}

	// Revoke the phone. The key rotates with the phone excluded.
	epochBefore := laptop.keyring.Epoch()
	if err := laptop.engine.RemoveDevice("phone"); err != nil {
		t.Fatalf("RemoveDevice() error: %v", err)
	}
	if laptop.keyring.Epoch() != epochBefore+1 {
		t.Errorf("epoch after removal = %d, want %d", laptop.keyring.Epoch(), epochBefore+1)
	}
	devices, err := laptop.engine.Devices()
	if err != nil {
		t.Fatalf("Devices() error: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("device registry still holds %d devices", len(devices))
	}

	laptop.setSection(t, "preferences", map[string]any{"theme": "solarized"})
	if err := laptop.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow(laptop) after removal error: %v", err)
	}

	// The phone cannot open anything sealed after the rotation.
	err = phone.engine.SyncNow(ctx)
	if !errors.Is(err, keyring.ErrNeedsRePairing) {
		t.Fatalf("SyncNow(phone) = %v, want ErrNeedsRePairing", err)
	}
	phoneState := phone.engine.State()
	if !phoneState.NeedsRePairing {
		t.Error("NeedsRePairing = false after lockout")
	}
	if phoneState.Status != StatusError {
		t.Errorf("status = %q, want %q", phoneState.Status, StatusError)
	}
	if got := phone.leaf(t, "preferences.theme"); got != "dark" {
		t.Errorf("phone config after lockout = %v, want dark (pre-cycle state intact)", got)
	}
}

func TestEngine_RemoveUnknownDevice(t *testing.T) {
	clk := testClock()
	env := newTestEnv(t, clk, transport.NewHub(), envConfig{deviceID: "laptop"})

	if err := env.engine.RemoveDevice("ghost"); !errors.Is(err, pairing.ErrUnknownDevice) {
		t.Errorf("RemoveDevice(ghost) = %v, want ErrUnknownDevice", err)
	}
}

func TestEngine_PauseResume(t *testing.T) {
	clk := testClock()
	env := newTestEnv(t, clk, transport.NewHub(), envConfig{deviceID: "laptop"})
	ctx := context.Background()

	env.engine.Pause()
	if got := env.engine.State().Status; got != StatusPaused {
		t.Errorf("status after Pause = %q, want %q", got, StatusPaused)
	}
	if err := env.engine.SyncNow(ctx); !errors.Is(err, ErrPaused) {
		t.Errorf("SyncNow() while paused = %v, want ErrPaused", err)
	}

	env.engine.Resume()
	if got := env.engine.State().Status; got != StatusIdle {
		t.Errorf("status after Resume = %q, want %q", got, StatusIdle)
	}
	if err := env.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() after Resume error: %v", err)
	}
}

func TestEngine_ScheduledRotationRunsWithCycle(t *testing.T) {
	clk := testClock()
	env := newTestEnv(t, clk, transport.NewHub(), envConfig{
		deviceID: "laptop",
		rotation: keyring.RotationPolicy{Enabled: true, IntervalDays: 1},
	})
	ctx := context.Background()

	if err := env.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() error: %v", err)
	}
	if env.keyring.Epoch() != 1 {
		t.Fatalf("epoch rotated before the interval elapsed")
	}

	clk.Advance(25 * time.Hour)
	if err := env.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() after interval error: %v", err)
	}
	if env.keyring.Epoch() != 2 {
		t.Errorf("epoch = %d, want 2 (scheduled rotation)", env.keyring.Epoch())
	}
	if got := env.engine.State().Epoch; got != 2 {
		t.Errorf("state epoch = %d, want 2", got)
	}
}

func TestEngine_AutoSyncTimer(t *testing.T) {
	clk := testClock()
	hub := transport.NewHub()
	env := newTestEnv(t, clk, hub, envConfig{deviceID: "laptop"})

	env.engine.autoSync = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.engine.Run(ctx) }()

	clk.WaitForTimers(1)
	clk.Advance(time.Minute)
	waitFor(t, "scheduled cycle never ran", func() bool {
		return hub.Uploads() >= 1
	})

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestEngine_InitializeRestoresPersistedState(t *testing.T) {
	clk := testClock()
	hub := transport.NewHub()
	statePath := filepath.Join(t.TempDir(), "state.db")
	env := newTestEnv(t, clk, hub, envConfig{deviceID: "laptop", statePath: statePath})
	ctx := context.Background()

	env.setSection(t, "preferences", map[string]any{"theme": "dark"})
	if err := env.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() error: %v", err)
	}
	wantClock := env.engine.State().Clock

	// A restart: fresh store handle, keyring restored from persisted
	// material.
	store, err := state.Open(state.Config{Path: statePath, WorkspaceID: "ws-1", Clock: clk})
	if err != nil {
		t.Fatalf("reopening state: %v", err)
	}
	defer store.Close()
	material, found, err := store.Material()
	if err != nil || !found {
		t.Fatalf("Material() = found %v, err %v", found, err)
	}
	restored, err := keyring.Restore(material, clk, nil)
	material.Zero()
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	defer restored.Close()

	reborn := newTestEnv(t, clk, hub, envConfig{
		deviceID:  "laptop",
		statePath: statePath,
		keyring:   restored,
	})
	gotClock := reborn.engine.State().Clock
	if gotClock.Counter("laptop") != wantClock.Counter("laptop") {
		t.Errorf("restored clock = %v, want %v", gotClock, wantClock)
	}
	if reborn.engine.State().Epoch != env.keyring.Epoch() {
		t.Errorf("restored epoch = %d, want %d", reborn.engine.State().Epoch, env.keyring.Epoch())
	}
}

// failingApplyStore wraps a config store and fails the next Apply,
// simulating a full disk or a crash mid-write.
type failingApplyStore struct {
	*configtree.FileStore
	fail bool
}

func (f *failingApplyStore) Apply(ctx context.Context, tree configtree.Tree, meta configtree.Meta) error {
	if f.fail {
		f.fail = false
		return errors.New("disk full")
	}
	return f.FileStore.Apply(ctx, tree, meta)
}

func TestEngine_ApplyFailureNeverDropsRemoteEdit(t *testing.T) {
	clk := testClock()
	hub := transport.NewHub()
	statePath := filepath.Join(t.TempDir(), "phone.db")
	configPath := filepath.Join(t.TempDir(), "phone.json")
	laptop := newTestEnv(t, clk, hub, envConfig{deviceID: "laptop"})
	phone := newTestEnv(t, clk, hub, envConfig{deviceID: "phone", statePath: statePath, configPath: configPath})
	pairAndTrust(t, laptop, phone)
	ctx := context.Background()

	laptop.setSection(t, "preferences", map[string]any{"theme": "ocean"})
	if err := laptop.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow(laptop) error: %v", err)
	}

	// The phone's document write fails mid-cycle. The persisted clock
	// must not claim the laptop's edit, or a restart would compare the
	// remote snapshot as already seen and drop it forever.
	phone.engine.configs = &failingApplyStore{FileStore: phone.configs, fail: true}
	if err := phone.engine.SyncNow(ctx); err == nil {
		t.Fatal("SyncNow() with a failing document write succeeded")
	}
	persisted, found, err := phone.store.Snapshot()
	if err != nil || !found {
		t.Fatalf("Snapshot() = found %v, err %v", found, err)
	}
	if got := persisted.Clock.Counter("laptop"); got != 0 {
		t.Fatalf("persisted clock claims laptop:%d after a failed apply, want 0", got)
	}

	// A restart from the same state database and document still
	// receives the edit.
	material, found, err := phone.store.Material()
	if err != nil || !found {
		t.Fatalf("Material() = found %v, err %v", found, err)
	}
	restored, err := keyring.Restore(material, clk, nil)
	material.Zero()
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	defer restored.Close()

	reborn := newTestEnv(t, clk, hub, envConfig{
		deviceID:   "phone",
		statePath:  statePath,
		configPath: configPath,
		keyring:    restored,
	})
	if err := reborn.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() after restart error: %v", err)
	}
	if got := reborn.leaf(t, "preferences.theme"); got != "ocean" {
		t.Errorf("preferences.theme after restart = %v, want ocean", got)
	}
	if got := reborn.engine.State().Clock.Counter("laptop"); got == 0 {
		t.Error("restarted clock has no laptop entry after a converged cycle")
	}
}

func TestEngine_PrePairingEnvelopeIsSkipped(t *testing.T) {
	clk := testClock()
	hub := transport.NewHub()
	laptop := newTestEnv(t, clk, hub, envConfig{deviceID: "laptop"})
	phone := newTestEnv(t, clk, hub, envConfig{deviceID: "phone"})
	ctx := context.Background()

	// The laptop publishes before the devices have ever met: epoch 1
	// under a key the phone does not hold, manifest without the phone.
	laptop.setSection(t, "preferences", map[string]any{"theme": "dark"})
	if err := laptop.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow(laptop) error: %v", err)
	}

	// Mutual pairing: the laptop (smaller ID) rotates to epoch 2, the
	// phone stays on its own epoch-1 key until it adopts.
	pairAndTrust(t, laptop, phone)
	if laptop.keyring.Epoch() != 2 || phone.keyring.Epoch() != 1 {
		t.Fatalf("epochs after pairing = %d/%d, want 2/1", laptop.keyring.Epoch(), phone.keyring.Epoch())
	}

	// The phone downloads the laptop's pre-pairing envelope: equal
	// epoch number, unrelated key lineage. The cycle skips it rather
	// than failing or prompting a re-pair.
	if err := phone.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow(phone) over a pre-pairing envelope error: %v", err)
	}
	if phone.engine.State().NeedsRePairing {
		t.Error("NeedsRePairing set by a pre-pairing envelope")
	}

	// Once the laptop republishes at the post-pairing epoch, the phone
	// adopts the key and converges.
	if err := laptop.engine.SyncNow(ctx); err != nil {
		t.Fatalf("second SyncNow(laptop) error: %v", err)
	}
	if err := phone.engine.SyncNow(ctx); err != nil {
		t.Fatalf("second SyncNow(phone) error: %v", err)
	}
	if got := phone.leaf(t, "preferences.theme"); got != "dark" {
		t.Errorf("phone preferences.theme = %v, want dark", got)
	}
	if phone.keyring.Epoch() != 2 {
		t.Errorf("phone epoch = %d, want 2 (adopted)", phone.keyring.Epoch())
	}
}

func TestEngine_SeenCacheIsBounded(t *testing.T) {
	env := newTestEnv(t, testClock(), transport.NewHub(), envConfig{deviceID: "laptop"})
	engine := env.engine

	var first [32]byte
	for i := 0; i < seenEnvelopes+16; i++ {
		var digest [32]byte
		binary.BigEndian.PutUint32(digest[:4], uint32(i))
		if i == 0 {
			first = digest
		}
		engine.mu.Lock()
		engine.markSeenLocked(digest)
		engine.mu.Unlock()
	}

	engine.mu.Lock()
	size := len(engine.seen)
	engine.mu.Unlock()
	if size != seenEnvelopes {
		t.Errorf("seen cache holds %d digests, want %d", size, seenEnvelopes)
	}
	if engine.alreadySeen(first) {
		t.Error("oldest digest survived eviction")
	}
}
