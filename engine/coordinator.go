// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftsync/driftsync/lib/clock"
	"github.com/driftsync/driftsync/lib/configtree"
	"github.com/driftsync/driftsync/lib/conflict"
	"github.com/driftsync/driftsync/lib/envelope"
	"github.com/driftsync/driftsync/lib/keyring"
	"github.com/driftsync/driftsync/lib/pairing"
	"github.com/driftsync/driftsync/lib/state"
	"github.com/driftsync/driftsync/lib/vclock"
	"github.com/driftsync/driftsync/transport"
)

// ErrPaused reports a sync trigger while the engine is paused.
var ErrPaused = errors.New("engine: paused")

// defaultMaxRetries bounds transport retry attempts per cycle.
const defaultMaxRetries = 3

// defaultRetryBaseDelay is the first backoff step; it doubles per
// attempt.
const defaultRetryBaseDelay = time.Second

// seenEnvelopes caps the processed-envelope digest cache.
const seenEnvelopes = 256

// ConfigStore owns the workspace's config tree. The engine never
// mutates the tree directly: it snapshots the store before a cycle and
// applies the merged result back afterwards, all-or-nothing.
// configtree.FileStore is the reference implementation.
type ConfigStore interface {
	Snapshot(ctx context.Context) (configtree.Tree, configtree.Meta, error)
	Apply(ctx context.Context, tree configtree.Tree, meta configtree.Meta) error
}

// Options configures an Engine.
type Options struct {
	// UserID identifies the workspace owner, stamped into snapshot
	// metadata.
	UserID string

	// Keyring holds the device identity and workspace sync key.
	Keyring *keyring.Manager

	// State is the durable local store.
	State *state.Store

	// Registry is the paired-device registry.
	Registry *pairing.Registry

	// Configs owns the workspace config tree.
	Configs ConfigStore

	// Transports carries sealed envelopes.
	Transports *transport.Manager

	// Policy selects the conflict policy; empty means manual.
	Policy conflict.Policy

	// AutoSyncInterval schedules background cycles in Run; zero
	// disables the timer.
	AutoSyncInterval time.Duration

	// MaxRetries bounds transport attempts per cycle; zero means the
	// default.
	MaxRetries int

	// RetryBaseDelay is the first backoff step; zero means the
	// default, negative disables the delay (tests).
	RetryBaseDelay time.Duration

	// Announcements optionally feeds LAN change announcements into
	// Run's scheduler.
	Announcements <-chan string

	// Clock provides time; nil means wall time.
	Clock clock.Clock

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger
}

// Engine is the per-workspace sync coordinator.
type Engine struct {
	workspaceID string
	userID      string

	keyring    *keyring.Manager
	store      *state.Store
	registry   *pairing.Registry
	configs    ConfigStore
	transports *transport.Manager
	detector   *conflict.Detector
	bus        *Bus

	announcements <-chan string
	clk           clock.Clock
	logger        *slog.Logger

	// opMu serializes every mutation: sync cycles, local change notes,
	// resolutions, pairing and key operations.
	opMu sync.Mutex

	mu              sync.Mutex
	state           SyncState
	localClock      vclock.Clock
	meta            configtree.Meta
	seen            map[[32]byte]struct{}
	seenOrder       [][32]byte
	syncing         bool
	paused          bool
	attemptFailures int
	maxRetries      int
	retryBase       time.Duration
	autoSync        time.Duration

	kick         chan struct{}
	reconfigured chan struct{}
}

// New builds an Engine. Initialize must be called before the first
// cycle.
func New(options Options) (*Engine, error) {
	if options.Keyring == nil || options.State == nil || options.Registry == nil ||
		options.Configs == nil || options.Transports == nil {
		return nil, fmt.Errorf("engine: keyring, state, registry, configs, and transports are all required")
	}
	if options.Policy == "" {
		options.Policy = conflict.PolicyManual
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = defaultMaxRetries
	}
	switch {
	case options.RetryBaseDelay == 0:
		options.RetryBaseDelay = defaultRetryBaseDelay
	case options.RetryBaseDelay < 0:
		options.RetryBaseDelay = 0
	}

	detector, err := conflict.NewDetector(options.Policy, options.Clock, options.Logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		workspaceID:   options.Keyring.WorkspaceID(),
		userID:        options.UserID,
		keyring:       options.Keyring,
		store:         options.State,
		registry:      options.Registry,
		configs:       options.Configs,
		transports:    options.Transports,
		detector:      detector,
		bus:           NewBus(),
		announcements: options.Announcements,
		clk:           options.Clock,
		logger:        options.Logger,
		state:         SyncState{Status: StatusIdle},
		localClock:    vclock.New(),
		seen:          make(map[[32]byte]struct{}),
		maxRetries:    options.MaxRetries,
		retryBase:     options.RetryBaseDelay,
		autoSync:      options.AutoSyncInterval,
		kick:          make(chan struct{}, 1),
		reconfigured:  make(chan struct{}, 1),
	}, nil
}

// Subscribe registers an event subscriber with the default buffer.
func (e *Engine) Subscribe() *Subscription {
	return e.bus.Subscribe(0)
}

// Initialize loads persisted state — vector clock, snapshot metadata,
// open conflicts — or establishes a fresh baseline for a new
// workspace, and persists the keyring material.
func (e *Engine) Initialize(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	snapshot, found, err := e.store.Snapshot()
	if err != nil {
		return err
	}
	if found {
		e.mu.Lock()
		e.localClock = snapshot.Clock.Copy()
		e.meta = snapshot.Meta
		e.mu.Unlock()
	} else {
		e.mu.Lock()
		e.localClock = vclock.New()
		e.localClock.Increment(e.keyring.DeviceID())
		e.meta = configtree.Meta{
			Timestamp: e.clk.Now(),
			DeviceID:  e.keyring.DeviceID(),
			UserID:    e.userID,
		}
		e.mu.Unlock()

		baseline, err := e.currentSnapshot(ctx)
		if err != nil {
			return err
		}
		if err := e.store.SaveSnapshot(baseline); err != nil {
			return err
		}
	}

	if err := e.persistMaterial(); err != nil {
		return err
	}

	records, err := e.store.Conflicts()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.state.Status = StatusIdle
	e.state.Conflicts = len(records)
	e.state.Clock = e.localClock.Copy()
	e.state.Epoch = e.keyring.Epoch()
	e.mu.Unlock()

	e.publish(EventStateChanged, "", "")
	e.logger.Info("engine initialized",
		"workspace_id", e.workspaceID,
		"device_id", e.keyring.DeviceID(),
		"resumed", found,
	)
	return nil
}

// State returns a copy of the current sync state.
func (e *Engine) State() SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// Conflicts returns every unresolved conflict, oldest first.
func (e *Engine) Conflicts() ([]conflict.SyncConflict, error) {
	return e.store.Conflicts()
}

// Devices returns every paired device, trusted or not.
func (e *Engine) Devices() ([]pairing.Device, error) {
	return e.registry.Devices()
}

// NoteLocalChange records that the config tree was mutated locally:
// it advances this device's vector-clock entry, stamps fresh
// provenance metadata, and persists the new causal position.
func (e *Engine) NoteLocalChange(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	e.localClock.Increment(e.keyring.DeviceID())
	e.meta = configtree.Meta{
		Timestamp: e.clk.Now(),
		DeviceID:  e.keyring.DeviceID(),
		UserID:    e.userID,
	}
	e.state.PendingChanges = true
	e.state.Clock = e.localClock.Copy()
	e.mu.Unlock()

	snapshot, err := e.currentSnapshot(ctx)
	if err != nil {
		return err
	}
	if err := e.store.SaveSnapshot(snapshot); err != nil {
		return err
	}
	e.publish(EventStateChanged, "", "")
	return nil
}

// SyncNow runs one sync cycle. A call while a cycle is already in
// flight is coalesced to a no-op; a call while paused returns
// ErrPaused.
func (e *Engine) SyncNow(ctx context.Context) error {
	return e.runCycle(ctx)
}

// Run drives the background scheduler: the autoSync timer (which also
// checks scheduled key rotation), LAN change announcements, and
// reconnect kicks all trigger cycles from one loop, so duplicate
// concurrent cycles cannot start. Returns when ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	interval := e.autoSync
	e.mu.Unlock()

	var ticker *clock.Ticker
	var tickerC <-chan time.Time
	startTicker := func(d time.Duration) {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tickerC = nil
		}
		if d > 0 {
			ticker = e.clk.NewTicker(d)
			tickerC = ticker.C
		}
	}
	startTicker(interval)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	announcements := e.announcements
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-tickerC:
			e.triggerCycle(ctx, "schedule")

		case peerID, ok := <-announcements:
			if !ok {
				announcements = nil
				continue
			}
			if err := e.registry.Touch(peerID); err != nil {
				e.logger.Warn("touching announcing peer", "device_id", peerID, "error", err)
			}
			e.triggerCycle(ctx, "lan announcement")

		case <-e.kick:
			e.triggerCycle(ctx, "reconnect")

		case <-e.reconfigured:
			e.mu.Lock()
			interval = e.autoSync
			e.mu.Unlock()
			startTicker(interval)
		}
	}
}

// NotifyOnline signals the scheduler that connectivity returned; the
// next Run iteration triggers a cycle. Non-blocking.
func (e *Engine) NotifyOnline() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Pause stops triggers from starting cycles until Resume.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	if !e.syncing {
		e.state.Status = StatusPaused
	}
	e.mu.Unlock()
	e.publish(EventStateChanged, "", "")
}

// Resume re-enables sync triggers and kicks the scheduler.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	if !e.syncing && e.state.Status == StatusPaused {
		e.state.Status = StatusIdle
	}
	e.mu.Unlock()
	e.publish(EventStateChanged, "", "")
	e.NotifyOnline()
}

func (e *Engine) triggerCycle(ctx context.Context, trigger string) {
	err := e.runCycle(ctx)
	if err != nil && !errors.Is(err, ErrPaused) {
		e.logger.Warn("sync cycle failed", "trigger", trigger, "error", err)
	}
}

// runCycle is the single entry point for cycles: it enforces pause,
// coalescing, the scheduled-rotation check, and state bookkeeping
// around the cycle itself.
func (e *Engine) runCycle(ctx context.Context) error {
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return ErrPaused
	}
	if e.syncing {
		e.mu.Unlock()
		return nil
	}
	e.syncing = true
	e.state.Status = StatusSyncing
	e.attemptFailures = 0
	e.mu.Unlock()
	e.publish(EventStateChanged, "", "")

	if e.keyring.Rotation().Due(e.clk.Now()) {
		if err := e.RotateEncryptionKey(); err != nil {
			e.logger.Warn("scheduled rotation failed", "error", err)
		}
	}

	e.opMu.Lock()
	start := e.clk.Now()
	err := e.cycle(ctx)
	duration := e.clk.Now().Sub(start)
	e.opMu.Unlock()

	e.mu.Lock()
	e.syncing = false
	e.state.Stats.Total++
	e.state.Stats.Retries = e.attemptFailures
	e.state.Stats.Durations = append(e.state.Stats.Durations, duration)
	if len(e.state.Stats.Durations) > recentDurations {
		e.state.Stats.Durations = e.state.Stats.Durations[1:]
	}
	if err != nil {
		e.state.Stats.Failed++
		e.state.Status = StatusError
		e.state.LastError = err.Error()
	} else {
		e.state.Stats.Success++
		e.state.Status = StatusIdle
		e.state.LastError = ""
		e.state.LastSync = e.clk.Now()
	}
	if e.paused {
		e.state.Status = StatusPaused
	}
	e.mu.Unlock()
	e.publish(EventStateChanged, "", "")
	return err
}

// cycle performs one synchronization pass: download remote envelopes,
// merge them into the local snapshot, commit and apply the result
// atomically, then upload the post-merge snapshot. Uploading the
// merged document (rather than the pre-merge one) is what makes a
// single shared cloud blob converge: whatever a device publishes
// already contains everything it has seen.
func (e *Engine) cycle(ctx context.Context) error {
	current, err := e.currentSnapshot(ctx)
	if err != nil {
		return err
	}

	var batches [][]byte
	if err := e.withRetry(ctx, "download", func() error {
		var downloadErr error
		batches, downloadErr = e.transports.Download(ctx)
		return downloadErr
	}); err != nil {
		return err
	}

	var newConflicts []conflict.SyncConflict
	var processed [][32]byte
	startEpoch := e.keyring.Epoch()
	changed := false

	for _, data := range batches {
		digest := envelope.Digest(data)
		if e.alreadySeen(digest) {
			continue
		}

		header, err := envelope.PeekHeader(data)
		if err != nil {
			return fmt.Errorf("engine: unreadable envelope: %w", err)
		}
		if header.SenderDeviceID == e.keyring.DeviceID() {
			processed = append(processed, digest)
			continue
		}
		if header.Epoch < e.keyring.Epoch() {
			// Sealed before the last rotation: superseded, not an
			// attack. The sender re-uploads at the current epoch on
			// its next cycle.
			e.logger.Debug("skipping stale-epoch envelope",
				"sender_device_id", header.SenderDeviceID,
				"epoch", header.Epoch,
			)
			processed = append(processed, digest)
			continue
		}
		if _, ok := header.WrapFor(e.keyring.DeviceID()); !ok && header.Epoch == e.keyring.Epoch() {
			// Same epoch number, unrelated key lineage: the sender
			// sealed this before it knew this device, so the manifest
			// cannot name us. The sender re-uploads a readable
			// envelope once it picks up the post-pairing key.
			e.logger.Debug("skipping pre-pairing envelope",
				"sender_device_id", header.SenderDeviceID,
				"epoch", header.Epoch,
			)
			processed = append(processed, digest)
			continue
		}

		_, plaintext, err := e.keyring.Open(data, e.registry.SenderKeyLookup(e.keyring))
		if err != nil {
			if errors.Is(err, keyring.ErrNeedsRePairing) {
				e.mu.Lock()
				e.state.NeedsRePairing = true
				e.mu.Unlock()
			}
			return fmt.Errorf("engine: opening envelope from %s: %w", header.SenderDeviceID, err)
		}

		remote, err := configtree.DecodeSnapshot(plaintext)
		if err != nil {
			return fmt.Errorf("engine: decoding snapshot from %s: %w", header.SenderDeviceID, err)
		}

		outcome, err := e.detector.Merge(current, remote)
		if err != nil {
			return err
		}
		current = outcome.Snapshot
		changed = changed || outcome.Changed
		newConflicts = append(newConflicts, outcome.Conflicts...)
		processed = append(processed, digest)

		if err := e.registry.Touch(header.SenderDeviceID); err != nil {
			e.logger.Warn("updating last-seen", "device_id", header.SenderDeviceID, "error", err)
		}
	}

	// Apply the merged document first, then commit the matching clock
	// and conflicts. The document write is idempotent, so a crash
	// between the two re-merges the same envelopes on the next cycle.
	// The reverse order would persist a clock that claims remote edits
	// the document never received, and those edits would compare as
	// already-seen forever after.
	if changed {
		if err := e.configs.Apply(ctx, current.Tree, current.Meta); err != nil {
			return fmt.Errorf("engine: applying merged tree: %w", err)
		}
	}
	if err := e.store.CommitSyncCycle(current, newConflicts); err != nil {
		return err
	}
	if e.keyring.Epoch() != startEpoch {
		if err := e.persistMaterial(); err != nil {
			return err
		}
	}

	records, err := e.store.Conflicts()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.localClock = vclock.Merge(e.localClock, current.Clock)
	e.meta = current.Meta
	e.state.Clock = e.localClock.Copy()
	e.state.Conflicts = len(records)
	e.state.Epoch = e.keyring.Epoch()
	for _, digest := range processed {
		e.markSeenLocked(digest)
	}
	e.mu.Unlock()

	for _, record := range newConflicts {
		e.publish(EventConflictDetected, record.Remote.DeviceID, record.ID)
	}

	// Publish the post-merge snapshot.
	current.Clock = e.snapshotClock()
	encoded, err := current.Encode()
	if err != nil {
		return err
	}
	recipients, err := e.registry.TrustedRecipients(e.keyring)
	if err != nil {
		return fmt.Errorf("engine: collecting wrap recipients: %w", err)
	}
	wraps, signature, err := e.keyring.Wrap(recipients)
	if err != nil {
		return err
	}
	sealed, err := e.keyring.Seal(current.Clock, encoded, wraps, signature)
	if err != nil {
		return err
	}
	if err := e.withRetry(ctx, "upload", func() error {
		return e.transports.Upload(ctx, sealed)
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.markSeenLocked(envelope.Digest(sealed))
	e.state.PendingChanges = false
	e.mu.Unlock()
	return nil
}

// ResolveConflict answers a recorded conflict: the chosen value is
// written back at the conflict's path, the local clock advances, and
// the snapshot update and conflict removal commit atomically.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution conflict.Resolution) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	records, err := e.store.Conflicts()
	if err != nil {
		return err
	}
	var record *conflict.SyncConflict
	for i := range records {
		if records[i].ID == conflictID {
			record = &records[i]
			break
		}
	}
	if record == nil {
		return fmt.Errorf("engine: unknown conflict %q", conflictID)
	}

	value, err := e.detector.Resolve(record, resolution)
	if err != nil {
		return err
	}

	tree, _, err := e.configs.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("engine: reading config store: %w", err)
	}
	tree = tree.Copy()
	if tree == nil {
		tree = configtree.Tree{}
	}
	tree[record.Path] = value

	e.mu.Lock()
	e.localClock.Increment(e.keyring.DeviceID())
	e.meta = configtree.Meta{
		Timestamp: e.clk.Now(),
		DeviceID:  e.keyring.DeviceID(),
		UserID:    e.userID,
	}
	meta := e.meta
	clockCopy := e.localClock.Copy()
	e.mu.Unlock()

	snapshot := &configtree.Snapshot{
		SchemaVersion: configtree.CurrentSchemaVersion,
		WorkspaceID:   e.workspaceID,
		Tree:          tree,
		Meta:          meta,
		Clock:         clockCopy,
	}
	if err := e.store.CommitResolution(snapshot, conflictID); err != nil {
		return err
	}
	if err := e.configs.Apply(ctx, tree, meta); err != nil {
		return fmt.Errorf("engine: applying resolution: %w", err)
	}

	remaining, err := e.store.Conflicts()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.state.Conflicts = len(remaining)
	e.state.Clock = e.localClock.Copy()
	e.state.PendingChanges = true
	e.mu.Unlock()

	e.publish(EventConflictResolved, "", conflictID)
	return nil
}

// GeneratePairingPayload builds a signed pairing payload for this
// device, to be transferred out-of-band to the device being paired.
func (e *Engine) GeneratePairingPayload(name, deviceType, platform string, capabilities []string) (*pairing.Payload, error) {
	return e.registry.GeneratePayload(e.keyring, name, deviceType, platform, capabilities)
}

// ProcessPairingPayload verifies an incoming pairing payload and
// records the device as paired but untrusted.
func (e *Engine) ProcessPairingPayload(raw []byte) (pairing.Device, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	device, err := e.registry.ProcessPayload(raw)
	if err != nil {
		return pairing.Device{}, err
	}
	e.publish(EventDevicePaired, device.ID, "")
	return device, nil
}

// TrustDevice grants a paired device trusted status. Exactly one side
// of a mutual pairing rotates the sync key — the device with the
// lexicographically smaller ID — so both ends converge on a single
// epoch instead of forking it; the other side hands the key over
// through the wrap manifest of its next envelope.
func (e *Engine) TrustDevice(deviceID string) (pairing.Device, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	device, err := e.registry.Trust(deviceID)
	if err != nil {
		return pairing.Device{}, err
	}
	if e.keyring.DeviceID() < deviceID {
		if err := e.rotate(); err != nil {
			return pairing.Device{}, err
		}
	}
	e.publish(EventDeviceTrusted, deviceID, "")
	return device, nil
}

// RemoveDevice revokes a device: the sync key rotates with the device
// excluded from the new wrap manifest, then the registry record is
// deleted. Rotation failure aborts the removal, so a removed-but-
// still-keyed device cannot exist.
func (e *Engine) RemoveDevice(deviceID string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if _, ok, err := e.registry.Device(deviceID); err != nil {
		return err
	} else if !ok {
		return pairing.ErrUnknownDevice
	}

	recipients, err := e.registry.TrustedRecipients(e.keyring)
	if err != nil {
		return fmt.Errorf("engine: collecting wrap recipients: %w", err)
	}
	delete(recipients, deviceID)
	if _, _, err := e.keyring.Rotate(recipients); err != nil {
		return fmt.Errorf("engine: rotating after removal: %w", err)
	}
	if err := e.persistMaterial(); err != nil {
		return err
	}
	if err := e.registry.Remove(deviceID); err != nil {
		return err
	}

	e.mu.Lock()
	e.state.Epoch = e.keyring.Epoch()
	e.mu.Unlock()
	e.publish(EventKeyRotated, "", "")
	e.publish(EventDeviceRemoved, deviceID, "")
	return nil
}

// RotateEncryptionKey rotates the workspace sync key for the current
// trusted device set.
func (e *Engine) RotateEncryptionKey() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.rotate()
}

// rotate requires opMu.
func (e *Engine) rotate() error {
	recipients, err := e.registry.TrustedRecipients(e.keyring)
	if err != nil {
		return fmt.Errorf("engine: collecting wrap recipients: %w", err)
	}
	if _, _, err := e.keyring.Rotate(recipients); err != nil {
		return err
	}
	if err := e.persistMaterial(); err != nil {
		return err
	}
	e.mu.Lock()
	e.state.Epoch = e.keyring.Epoch()
	e.mu.Unlock()
	e.publish(EventKeyRotated, "", "")
	return nil
}

// ConfigUpdate is a partial update to the engine's sync settings; nil
// fields are left unchanged.
type ConfigUpdate struct {
	Policy               *conflict.Policy
	AutoSyncInterval     *time.Duration
	MaxRetries           *int
	RotationEnabled      *bool
	RotationIntervalDays *int
}

// UpdateSyncConfig applies a partial settings update.
func (e *Engine) UpdateSyncConfig(update ConfigUpdate) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if update.Policy != nil {
		if err := e.detector.SetPolicy(*update.Policy); err != nil {
			return err
		}
	}
	if update.MaxRetries != nil {
		if *update.MaxRetries < 1 {
			return fmt.Errorf("engine: maxRetries must be at least 1, got %d", *update.MaxRetries)
		}
		e.mu.Lock()
		e.maxRetries = *update.MaxRetries
		e.mu.Unlock()
	}
	if update.AutoSyncInterval != nil {
		e.mu.Lock()
		e.autoSync = *update.AutoSyncInterval
		e.mu.Unlock()
		select {
		case e.reconfigured <- struct{}{}:
		default:
		}
	}
	if update.RotationEnabled != nil || update.RotationIntervalDays != nil {
		rotation := e.keyring.Rotation()
		if update.RotationEnabled != nil {
			rotation.Enabled = *update.RotationEnabled
		}
		if update.RotationIntervalDays != nil {
			rotation.IntervalDays = *update.RotationIntervalDays
		}
		e.keyring.SetRotationPolicy(rotation.Enabled, rotation.IntervalDays)
		if err := e.persistMaterial(); err != nil {
			return err
		}
	}
	return nil
}

// currentSnapshot assembles the engine's view of the workspace: the
// config store's tree plus the engine's clock and provenance metadata.
func (e *Engine) currentSnapshot(ctx context.Context) (*configtree.Snapshot, error) {
	tree, _, err := e.configs.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: reading config store: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return &configtree.Snapshot{
		SchemaVersion: configtree.CurrentSchemaVersion,
		WorkspaceID:   e.workspaceID,
		Tree:          tree.Copy(),
		Meta:          e.meta,
		Clock:         e.localClock.Copy(),
	}, nil
}

func (e *Engine) snapshotClock() vclock.Clock {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localClock.Copy()
}

func (e *Engine) alreadySeen(digest [32]byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.seen[digest]
	return ok
}

// markSeenLocked records an envelope digest, evicting the oldest entry
// beyond seenEnvelopes. A re-downloaded evicted envelope re-merges as
// a no-op, so the cap trades a little repeat work for a bounded map
// over a long-running Run. Callers hold e.mu.
func (e *Engine) markSeenLocked(digest [32]byte) {
	if _, ok := e.seen[digest]; ok {
		return
	}
	e.seen[digest] = struct{}{}
	e.seenOrder = append(e.seenOrder, digest)
	if len(e.seenOrder) > seenEnvelopes {
		delete(e.seen, e.seenOrder[0])
		e.seenOrder = e.seenOrder[1:]
	}
}

// persistMaterial writes the keyring's current material to the state
// store and zeroes the heap copy.
func (e *Engine) persistMaterial() error {
	material := e.keyring.Material()
	defer material.Zero()
	return e.store.SaveMaterial(material)
}

// withRetry runs fn up to maxRetries times, backing off exponentially
// between attempts while the failure is a retryable transport error.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	e.mu.Lock()
	maxRetries := e.maxRetries
	e.mu.Unlock()

	delay := e.retryBase
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		e.mu.Lock()
		e.attemptFailures++
		e.mu.Unlock()
		if !transport.IsRetryable(lastErr) || attempt == maxRetries {
			break
		}
		e.logger.Warn("transport attempt failed",
			"op", op,
			"attempt", attempt,
			"error", lastErr,
		)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.clk.After(delay):
			}
			delay *= 2
		}
	}
	return lastErr
}

func (e *Engine) publish(eventType EventType, deviceID, conflictID string) {
	e.mu.Lock()
	event := Event{
		Type:       eventType,
		Time:       e.clk.Now(),
		DeviceID:   deviceID,
		ConflictID: conflictID,
		State:      e.state.clone(),
	}
	e.mu.Unlock()
	e.bus.Publish(event)
}
