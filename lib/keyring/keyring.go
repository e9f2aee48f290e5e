// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/zeebo/blake3"

	"github.com/driftsync/driftsync/lib/clock"
	"github.com/driftsync/driftsync/lib/envelope"
	"github.com/driftsync/driftsync/lib/secret"
	"github.com/driftsync/driftsync/lib/vclock"
)

// KDF selects the password key-derivation function for export
// archives.
type KDF string

const (
	// KDFArgon2id is the default archive KDF.
	KDFArgon2id KDF = "argon2id"

	// KDFPBKDF2 is PBKDF2-HMAC-SHA256, for deployments that require
	// a NIST-approved KDF.
	KDFPBKDF2 KDF = "pbkdf2"
)

// Valid reports whether the KDF is one this engine implements.
func (k KDF) Valid() bool {
	return k == KDFArgon2id || k == KDFPBKDF2
}

// ErrNeedsRePairing reports that the workspace key rotated past this
// device: the latest wrap manifest has no entry for it. The device
// cannot decrypt anything newer until the user re-pairs and re-trusts
// it. Surfaced as a user-actionable state, never retried silently.
var ErrNeedsRePairing = errors.New("keyring: no key wrap addressed to this device; re-pairing required")

// RotationPolicy controls scheduled key rotation.
type RotationPolicy struct {
	Enabled      bool
	IntervalDays int
	LastRotation time.Time
}

// Due reports whether a scheduled rotation is due at the given time.
func (p RotationPolicy) Due(now time.Time) bool {
	if !p.Enabled || p.IntervalDays <= 0 {
		return false
	}
	return now.Sub(p.LastRotation) >= time.Duration(p.IntervalDays)*24*time.Hour
}

// Material is the persistable form of a Manager: what lib/state
// writes to the workspace's secure storage. The byte slices hold live
// key material — callers must zero them as soon as they are stored.
type Material struct {
	WorkspaceID       string
	DeviceID          string
	Algorithm         envelope.Algorithm
	KDF               KDF
	SigningSeed       []byte
	AgreementIdentity []byte
	SyncKey           []byte
	Epoch             uint64
	Rotation          RotationPolicy
}

// Zero destroys the key material held in the struct's byte slices.
func (m *Material) Zero() {
	secret.Zero(m.SigningSeed)
	secret.Zero(m.AgreementIdentity)
	secret.Zero(m.SyncKey)
}

// Manager holds a device's key material and implements every
// cryptographic operation the sync engine needs. Safe for concurrent
// use.
type Manager struct {
	mu sync.Mutex

	workspaceID string
	deviceID    string
	algorithm   envelope.Algorithm
	kdf         KDF

	signingSeed   *secret.Buffer // ed25519 seed, 32 bytes
	signingPublic ed25519.PublicKey

	agreementIdentity *secret.Buffer // AGE-SECRET-KEY-1... string bytes
	agreementPublic   string         // age1...

	syncKey  *secret.Buffer // workspace sync key, 32 bytes
	epoch    uint64
	rotation RotationPolicy

	clk    clock.Clock
	logger *slog.Logger
}

// Options configures a Manager.
type Options struct {
	WorkspaceID string
	DeviceID    string
	Algorithm   envelope.Algorithm
	KDF         KDF
	Rotation    RotationPolicy
	Clock       clock.Clock
	Logger      *slog.Logger
}

func (o *Options) fill() error {
	if o.WorkspaceID == "" || o.DeviceID == "" {
		return fmt.Errorf("keyring: workspace and device IDs are required")
	}
	if o.Algorithm == "" {
		o.Algorithm = envelope.AlgoChaCha20Poly1305
	}
	if !o.Algorithm.Valid() {
		return fmt.Errorf("keyring: unknown AEAD algorithm %q", o.Algorithm)
	}
	if o.KDF == "" {
		o.KDF = KDFArgon2id
	}
	if !o.KDF.Valid() {
		return fmt.Errorf("keyring: unknown KDF %q", o.KDF)
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

// NewManager generates a fresh device identity and workspace sync key
// at epoch 1. Used at first run; subsequent runs Restore persisted
// material.
func NewManager(options Options) (*Manager, error) {
	if err := options.fill(); err != nil {
		return nil, err
	}

	signingPublic, signingPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyring: generating signing keypair: %w", err)
	}
	signingSeed, err := secret.NewFromBytes(signingPrivate.Seed())
	if err != nil {
		return nil, fmt.Errorf("keyring: protecting signing seed: %w", err)
	}

	agreement, err := age.GenerateX25519Identity()
	if err != nil {
		signingSeed.Close()
		return nil, fmt.Errorf("keyring: generating agreement keypair: %w", err)
	}
	agreementIdentity, err := secret.NewFromString(agreement.String())
	if err != nil {
		signingSeed.Close()
		return nil, fmt.Errorf("keyring: protecting agreement identity: %w", err)
	}

	syncKey, err := generateSyncKey()
	if err != nil {
		signingSeed.Close()
		agreementIdentity.Close()
		return nil, err
	}

	rotation := options.Rotation
	rotation.LastRotation = options.Clock.Now()

	options.Logger.Info("device identity generated",
		"workspace_id", options.WorkspaceID,
		"device_id", options.DeviceID,
		"agreement_public", agreement.Recipient().String(),
	)

	return &Manager{
		workspaceID:       options.WorkspaceID,
		deviceID:          options.DeviceID,
		algorithm:         options.Algorithm,
		kdf:               options.KDF,
		signingSeed:       signingSeed,
		signingPublic:     signingPublic,
		agreementIdentity: agreementIdentity,
		agreementPublic:   agreement.Recipient().String(),
		syncKey:           syncKey,
		epoch:             1,
		rotation:          rotation,
		clk:               options.Clock,
		logger:            options.Logger,
	}, nil
}

// Restore reconstructs a Manager from persisted material. The
// material's key bytes are moved into guarded memory and zeroed in
// place.
func Restore(material Material, clk clock.Clock, logger *slog.Logger) (*Manager, error) {
	options := Options{
		WorkspaceID: material.WorkspaceID,
		DeviceID:    material.DeviceID,
		Algorithm:   material.Algorithm,
		KDF:         material.KDF,
		Rotation:    material.Rotation,
		Clock:       clk,
		Logger:      logger,
	}
	if err := options.fill(); err != nil {
		return nil, err
	}
	if len(material.SigningSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keyring: signing seed must be %d bytes, got %d", ed25519.SeedSize, len(material.SigningSeed))
	}
	if len(material.SyncKey) != envelope.KeySize {
		return nil, fmt.Errorf("keyring: sync key must be %d bytes, got %d", envelope.KeySize, len(material.SyncKey))
	}
	if material.Epoch == 0 {
		return nil, fmt.Errorf("keyring: persisted epoch is zero")
	}

	identity, err := age.ParseX25519Identity(string(material.AgreementIdentity))
	if err != nil {
		return nil, fmt.Errorf("keyring: parsing agreement identity: %w", err)
	}

	signingPrivate := ed25519.NewKeyFromSeed(material.SigningSeed)
	signingPublic := signingPrivate.Public().(ed25519.PublicKey)

	signingSeed, err := secret.NewFromBytes(material.SigningSeed)
	if err != nil {
		return nil, fmt.Errorf("keyring: protecting signing seed: %w", err)
	}
	agreementIdentity, err := secret.NewFromBytes(material.AgreementIdentity)
	if err != nil {
		signingSeed.Close()
		return nil, fmt.Errorf("keyring: protecting agreement identity: %w", err)
	}
	syncKey, err := secret.NewFromBytes(material.SyncKey)
	if err != nil {
		signingSeed.Close()
		agreementIdentity.Close()
		return nil, fmt.Errorf("keyring: protecting sync key: %w", err)
	}

	return &Manager{
		workspaceID:       options.WorkspaceID,
		deviceID:          options.DeviceID,
		algorithm:         options.Algorithm,
		kdf:               options.KDF,
		signingSeed:       signingSeed,
		signingPublic:     signingPublic,
		agreementIdentity: agreementIdentity,
		agreementPublic:   identity.Recipient().String(),
		syncKey:           syncKey,
		epoch:             material.Epoch,
		rotation:          options.Rotation,
		clk:               options.Clock,
		logger:            options.Logger,
	}, nil
}

// Material exports the persistable form. The returned byte slices are
// heap copies of live key material; the caller must zero them (via
// Material.Zero) immediately after persisting.
func (m *Manager) Material() Material {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Material{
		WorkspaceID:       m.workspaceID,
		DeviceID:          m.deviceID,
		Algorithm:         m.algorithm,
		KDF:               m.kdf,
		SigningSeed:       append([]byte(nil), m.signingSeed.Bytes()...),
		AgreementIdentity: append([]byte(nil), m.agreementIdentity.Bytes()...),
		SyncKey:           append([]byte(nil), m.syncKey.Bytes()...),
		Epoch:             m.epoch,
		Rotation:          m.rotation,
	}
}

// Close releases all guarded key material. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstError error
	for _, buffer := range []*secret.Buffer{m.signingSeed, m.agreementIdentity, m.syncKey} {
		if buffer == nil {
			continue
		}
		if err := buffer.Close(); err != nil && firstError == nil {
			firstError = err
		}
	}
	return firstError
}

// DeviceID returns the local device ID.
func (m *Manager) DeviceID() string { return m.deviceID }

// WorkspaceID returns the workspace ID.
func (m *Manager) WorkspaceID() string { return m.workspaceID }

// SigningPublicKey returns the device's Ed25519 public key.
func (m *Manager) SigningPublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), m.signingPublic...)
}

// AgreementPublicKey returns the device's age recipient string
// (age1...), safe to publish in pairing payloads.
func (m *Manager) AgreementPublicKey() string { return m.agreementPublic }

// Epoch returns the current key epoch.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Rotation returns the current rotation policy and bookkeeping.
func (m *Manager) Rotation() RotationPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotation
}

// SetRotationPolicy updates the enabled flag and interval, preserving
// the last-rotation timestamp.
func (m *Manager) SetRotationPolicy(enabled bool, intervalDays int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotation.Enabled = enabled
	m.rotation.IntervalDays = intervalDays
}

// Sign signs message with the device's Ed25519 key.
func (m *Manager) Sign(message []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The private key is reconstructed from the guarded seed per
	// call; the heap copy is brief and call-scoped.
	private := ed25519.NewKeyFromSeed(m.signingSeed.Bytes())
	signature := ed25519.Sign(private, message)
	secret.Zero(private)
	return signature
}

// VerifySignature checks an Ed25519 signature against a device's
// published public key.
func VerifySignature(publicKey ed25519.PublicKey, message, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("keyring: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
	}
	if !ed25519.Verify(publicKey, message, signature) {
		return fmt.Errorf("keyring: signature verification failed")
	}
	return nil
}

// Fingerprint returns a short human-checkable fingerprint of a public
// key, shown during pairing so users can compare devices out-of-band.
func Fingerprint(publicKey []byte) string {
	digest := blake3.Sum256(publicKey)
	return hex.EncodeToString(digest[:8])
}

// WrapRecipients maps trusted device IDs to their age recipient
// strings.
type WrapRecipients map[string]string

// Wrap encrypts the current sync key individually for every recipient
// and signs the manifest. The wrap order is sorted by device ID so the
// signed manifest bytes are identical on every device.
func (m *Manager) Wrap(recipients WrapRecipients) ([]envelope.KeyWrap, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wrapLocked(recipients)
}

func (m *Manager) wrapLocked(recipients WrapRecipients) ([]envelope.KeyWrap, []byte, error) {
	deviceIDs := make([]string, 0, len(recipients))
	for deviceID := range recipients {
		deviceIDs = append(deviceIDs, deviceID)
	}
	sort.Strings(deviceIDs)

	wraps := make([]envelope.KeyWrap, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		recipient, err := age.ParseX25519Recipient(recipients[deviceID])
		if err != nil {
			return nil, nil, fmt.Errorf("keyring: parsing recipient key for device %s: %w", deviceID, err)
		}

		var ciphertext bytes.Buffer
		writer, err := age.Encrypt(&ciphertext, recipient)
		if err != nil {
			return nil, nil, fmt.Errorf("keyring: creating key wrap for device %s: %w", deviceID, err)
		}
		if _, err := writer.Write(m.syncKey.Bytes()); err != nil {
			return nil, nil, fmt.Errorf("keyring: wrapping sync key for device %s: %w", deviceID, err)
		}
		if err := writer.Close(); err != nil {
			return nil, nil, fmt.Errorf("keyring: finalizing key wrap for device %s: %w", deviceID, err)
		}

		wraps = append(wraps, envelope.KeyWrap{
			DeviceID:   deviceID,
			Ciphertext: base64.StdEncoding.EncodeToString(ciphertext.Bytes()),
		})
	}

	message, err := envelope.WrapManifestMessage(m.epoch, wraps)
	if err != nil {
		return nil, nil, err
	}
	private := ed25519.NewKeyFromSeed(m.signingSeed.Bytes())
	signature := ed25519.Sign(private, message)
	secret.Zero(private)

	return wraps, signature, nil
}

// Rotate generates a fresh sync key, bumps the epoch, records the
// rotation time, and returns the new wrap manifest for the given
// trusted recipients. Devices absent from recipients — removed or
// untrusted — cannot decrypt anything sealed after this call.
func (m *Manager) Rotate(recipients WrapRecipients) ([]envelope.KeyWrap, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newKey, err := generateSyncKey()
	if err != nil {
		return nil, nil, err
	}

	oldKey := m.syncKey
	m.syncKey = newKey
	m.epoch++
	m.rotation.LastRotation = m.clk.Now()
	oldKey.Close()

	wraps, signature, err := m.wrapLocked(recipients)
	if err != nil {
		return nil, nil, fmt.Errorf("keyring: re-wrapping after rotation: %w", err)
	}

	m.logger.Info("workspace sync key rotated",
		"workspace_id", m.workspaceID,
		"epoch", m.epoch,
		"recipients", len(recipients),
	)
	return wraps, signature, nil
}

// SealLocal encrypts a small secret to this device's own agreement
// key. Used for at-rest storage of transport credentials in the state
// database; only this device's identity can open the result.
func (m *Manager) SealLocal(plaintext []byte) ([]byte, error) {
	recipient, err := age.ParseX25519Recipient(m.agreementPublic)
	if err != nil {
		return nil, fmt.Errorf("keyring: parsing own recipient key: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return nil, fmt.Errorf("keyring: sealing local secret: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("keyring: sealing local secret: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("keyring: sealing local secret: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// OpenLocal decrypts a secret sealed by SealLocal into guarded memory.
func (m *Manager) OpenLocal(data []byte) (*secret.Buffer, error) {
	m.mu.Lock()
	identity, err := age.ParseX25519Identity(string(m.agreementIdentity.Bytes()))
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("keyring: parsing agreement identity: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, fmt.Errorf("keyring: opening local secret: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("keyring: opening local secret: %w", err)
	}
	buffer, err := secret.NewFromBytes(plaintext)
	secret.Zero(plaintext)
	if err != nil {
		return nil, fmt.Errorf("keyring: protecting local secret: %w", err)
	}
	return buffer, nil
}

// Seal builds an envelope for the current workspace state: the clock
// and epoch in the cleartext header, the snapshot bytes compressed and
// sealed in the body, and the given wrap manifest attached so peers
// that missed a rotation can recover.
func (m *Manager) Seal(clockValue vclock.Clock, plaintext []byte, wraps []envelope.KeyWrap, wrapSignature []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	header := envelope.Header{
		WorkspaceID:    m.workspaceID,
		SenderDeviceID: m.deviceID,
		Clock:          clockValue,
		Epoch:          m.epoch,
		Algorithm:      m.algorithm,
		CreatedAt:      m.clk.Now(),
		KeyWraps:       wraps,
		WrapSignature:  wrapSignature,
	}
	return envelope.Seal(header, plaintext, m.syncKey)
}

// SenderKeyLookup resolves a sender device ID to its published
// Ed25519 signing key and trust status. Implemented by the device
// registry.
type SenderKeyLookup func(deviceID string) (publicKey ed25519.PublicKey, trusted bool)

// Open authenticates and decrypts an inbound envelope, enforcing the
// epoch policy:
//
//   - Epoch older than ours: rejected (anti-rollback) with a
//     DecryptError.
//   - Epoch newer than ours: the wrap manifest must contain an entry
//     for this device, signed by a trusted sender; the new key is
//     adopted before decryption. No entry means ErrNeedsRePairing.
//
// Senders that are unknown or untrusted are rejected outright.
func (m *Manager) Open(data []byte, lookup SenderKeyLookup) (*envelope.Header, []byte, error) {
	header, err := envelope.PeekHeader(data)
	if err != nil {
		return nil, nil, err
	}
	if header.WorkspaceID != m.workspaceID {
		return nil, nil, fmt.Errorf("keyring: envelope belongs to workspace %q, not %q", header.WorkspaceID, m.workspaceID)
	}

	senderKey, trusted := lookup(header.SenderDeviceID)
	if !trusted {
		return nil, nil, &envelope.DecryptError{
			Reason: fmt.Sprintf("envelope from untrusted device %q", header.SenderDeviceID),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case header.Epoch < m.epoch:
		return nil, nil, &envelope.DecryptError{
			Reason: fmt.Sprintf("stale key epoch %d (current %d); possible rollback", header.Epoch, m.epoch),
		}
	case header.Epoch > m.epoch:
		if err := m.adoptWrapLocked(header, senderKey); err != nil {
			return nil, nil, err
		}
	}

	plainHeader, plaintext, err := envelope.Open(data, m.syncKey)
	if err != nil {
		return nil, nil, err
	}
	return plainHeader, plaintext, nil
}

// adoptWrapLocked installs a newer sync key from a verified wrap
// manifest. Called with m.mu held.
func (m *Manager) adoptWrapLocked(header *envelope.Header, senderKey ed25519.PublicKey) error {
	message, err := envelope.WrapManifestMessage(header.Epoch, header.KeyWraps)
	if err != nil {
		return err
	}
	if err := VerifySignature(senderKey, message, header.WrapSignature); err != nil {
		return &envelope.DecryptError{Reason: "wrap manifest signature invalid", Err: err}
	}

	wrap, ok := header.WrapFor(m.deviceID)
	if !ok {
		return ErrNeedsRePairing
	}

	rawWrap, err := base64.StdEncoding.DecodeString(wrap.Ciphertext)
	if err != nil {
		return &envelope.DecryptError{Reason: "undecodable key wrap", Err: err}
	}

	identity, err := age.ParseX25519Identity(m.agreementIdentity.String())
	if err != nil {
		return fmt.Errorf("keyring: parsing own agreement identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(rawWrap), identity)
	if err != nil {
		return &envelope.DecryptError{Reason: "unwrapping rotated sync key", Err: err}
	}
	newKeyBytes, err := io.ReadAll(reader)
	if err != nil {
		return &envelope.DecryptError{Reason: "reading unwrapped sync key", Err: err}
	}
	if len(newKeyBytes) != envelope.KeySize {
		secret.Zero(newKeyBytes)
		return &envelope.DecryptError{Reason: fmt.Sprintf("unwrapped key is %d bytes, want %d", len(newKeyBytes), envelope.KeySize)}
	}

	newKey, err := secret.NewFromBytes(newKeyBytes)
	if err != nil {
		return fmt.Errorf("keyring: protecting adopted sync key: %w", err)
	}

	oldKey := m.syncKey
	m.syncKey = newKey
	m.epoch = header.Epoch
	oldKey.Close()

	m.logger.Info("adopted rotated sync key from wrap manifest",
		"workspace_id", m.workspaceID,
		"epoch", m.epoch,
		"sender_device_id", header.SenderDeviceID,
	)
	return nil
}

func generateSyncKey() (*secret.Buffer, error) {
	raw := make([]byte, envelope.KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("keyring: generating sync key: %w", err)
	}
	return secret.NewFromBytes(raw)
}
