// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/driftsync/driftsync/lib/clock"
	"github.com/driftsync/driftsync/lib/envelope"
	"github.com/driftsync/driftsync/lib/vclock"
)

func newTestManager(t *testing.T, deviceID string) *Manager {
	t.Helper()
	manager, err := NewManager(Options{
		WorkspaceID: "ws-1",
		DeviceID:    deviceID,
		Clock:       clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewManager(%s) error: %v", deviceID, err)
	}
	t.Cleanup(func() { manager.Close() })
	return manager
}

// trustAll builds a SenderKeyLookup that trusts every given manager.
func trustAll(managers ...*Manager) SenderKeyLookup {
	keys := make(map[string]ed25519.PublicKey, len(managers))
	for _, m := range managers {
		keys[m.DeviceID()] = m.SigningPublicKey()
	}
	return func(deviceID string) (ed25519.PublicKey, bool) {
		key, ok := keys[deviceID]
		return key, ok
	}
}

func recipientsOf(managers ...*Manager) WrapRecipients {
	recipients := make(WrapRecipients, len(managers))
	for _, m := range managers {
		recipients[m.DeviceID()] = m.AgreementPublicKey()
	}
	return recipients
}

func TestSealOpen_SameDevice(t *testing.T) {
	laptop := newTestManager(t, "laptop")

	wraps, signature, err := laptop.Wrap(recipientsOf(laptop))
	if err != nil {
		t.Fatalf("Wrap() error: %v", err)
	}

	plaintext := []byte(`{"preferences":{"theme":"dark"}}`)
	sealed, err := laptop.Seal(vclock.Clock{"laptop": 1}, plaintext, wraps, signature)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	header, opened, err := laptop.Open(sealed, trustAll(laptop))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() plaintext = %q, want %q", opened, plaintext)
	}
	if header.SenderDeviceID != "laptop" || header.Epoch != 1 {
		t.Errorf("Open() header = %+v", header)
	}
}

func TestOpen_AdoptsRotatedKeyFromManifest(t *testing.T) {
	laptop := newTestManager(t, "laptop")
	phone := newTestManager(t, "phone")

	// The phone joins with its own placeholder key at epoch 1. The
	// laptop rotates to include it; the next envelope the phone sees
	// carries a wrap it can open.
	wraps, signature, err := laptop.Rotate(recipientsOf(laptop, phone))
	if err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if laptop.Epoch() != 2 {
		t.Fatalf("Epoch() after rotation = %d, want 2", laptop.Epoch())
	}

	plaintext := []byte(`{"preferences":{"theme":"light"}}`)
	sealed, err := laptop.Seal(vclock.Clock{"laptop": 5}, plaintext, wraps, signature)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	_, opened, err := phone.Open(sealed, trustAll(laptop, phone))
	if err != nil {
		t.Fatalf("Open() on phone error: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() plaintext = %q, want %q", opened, plaintext)
	}
	if phone.Epoch() != 2 {
		t.Errorf("phone epoch after adoption = %d, want 2", phone.Epoch())
	}
}

func TestOpen_RemovedDeviceNeedsRePairing(t *testing.T) {
	laptop := newTestManager(t, "laptop")
	phone := newTestManager(t, "phone")

	// Rotation that deliberately excludes the phone: its wrap is
	// absent from the manifest, so it must surface re-pairing rather
	// than a generic decrypt failure.
	wraps, signature, err := laptop.Rotate(recipientsOf(laptop))
	if err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	sealed, err := laptop.Seal(vclock.Clock{"laptop": 1}, []byte("secret"), wraps, signature)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	_, _, err = phone.Open(sealed, trustAll(laptop, phone))
	if !errors.Is(err, ErrNeedsRePairing) {
		t.Fatalf("Open() on removed device = %v, want ErrNeedsRePairing", err)
	}
}

func TestOpen_RejectsEpochRollback(t *testing.T) {
	laptop := newTestManager(t, "laptop")
	phone := newTestManager(t, "phone")
	lookup := trustAll(laptop, phone)

	wraps2, sig2, err := laptop.Rotate(recipientsOf(laptop, phone))
	if err != nil {
		t.Fatalf("Rotate() to epoch 2 error: %v", err)
	}
	epoch2, err := laptop.Seal(vclock.Clock{"laptop": 1}, []byte("older"), wraps2, sig2)
	if err != nil {
		t.Fatalf("Seal() at epoch 2 error: %v", err)
	}

	wraps3, sig3, err := laptop.Rotate(recipientsOf(laptop, phone))
	if err != nil {
		t.Fatalf("Rotate() to epoch 3 error: %v", err)
	}
	epoch3, err := laptop.Seal(vclock.Clock{"laptop": 2}, []byte("newer"), wraps3, sig3)
	if err != nil {
		t.Fatalf("Seal() at epoch 3 error: %v", err)
	}

	if _, _, err := phone.Open(epoch3, lookup); err != nil {
		t.Fatalf("Open() at epoch 3 error: %v", err)
	}

	// The phone is now at epoch 3; replaying the epoch-2 envelope must
	// fail rather than silently reviving the retired key.
	var decryptErr *envelope.DecryptError
	if _, _, err := phone.Open(epoch2, lookup); !errors.As(err, &decryptErr) {
		t.Fatalf("Open() of stale epoch = %v, want *DecryptError", err)
	}
}

func TestOpen_RejectsUntrustedSender(t *testing.T) {
	laptop := newTestManager(t, "laptop")
	phone := newTestManager(t, "phone")

	wraps, signature, err := laptop.Wrap(recipientsOf(laptop, phone))
	if err != nil {
		t.Fatalf("Wrap() error: %v", err)
	}
	sealed, err := laptop.Seal(vclock.Clock{"laptop": 1}, []byte("secret"), wraps, signature)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	// Lookup that knows nobody.
	var decryptErr *envelope.DecryptError
	_, _, err = phone.Open(sealed, func(string) (ed25519.PublicKey, bool) { return nil, false })
	if !errors.As(err, &decryptErr) {
		t.Fatalf("Open() from untrusted sender = %v, want *DecryptError", err)
	}
}

func TestOpen_RejectsForgedManifest(t *testing.T) {
	laptop := newTestManager(t, "laptop")
	phone := newTestManager(t, "phone")
	imposter := newTestManager(t, "imposter")

	wraps, signature, err := laptop.Rotate(recipientsOf(laptop, phone))
	if err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	sealed, err := laptop.Seal(vclock.Clock{"laptop": 1}, []byte("secret"), wraps, signature)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	// Trusted lookup, wrong key: maps the laptop's ID to the
	// imposter's public key, as if the registry were poisoned.
	lookup := func(deviceID string) (ed25519.PublicKey, bool) {
		return imposter.SigningPublicKey(), true
	}
	var decryptErr *envelope.DecryptError
	if _, _, err := phone.Open(sealed, lookup); !errors.As(err, &decryptErr) {
		t.Fatalf("Open() with forged manifest = %v, want *DecryptError", err)
	}
}

func TestOpen_RejectsForeignWorkspace(t *testing.T) {
	laptop := newTestManager(t, "laptop")

	other, err := NewManager(Options{WorkspaceID: "ws-2", DeviceID: "laptop"})
	if err != nil {
		t.Fatalf("NewManager(ws-2) error: %v", err)
	}
	defer other.Close()

	wraps, signature, err := other.Wrap(recipientsOf(other))
	if err != nil {
		t.Fatalf("Wrap() error: %v", err)
	}
	sealed, err := other.Seal(vclock.Clock{"laptop": 1}, []byte("secret"), wraps, signature)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	if _, _, err := laptop.Open(sealed, trustAll(laptop, other)); err == nil {
		t.Fatal("Open() accepted an envelope from another workspace")
	}
}

func TestMaterialRestore_RoundTrip(t *testing.T) {
	original := newTestManager(t, "laptop")
	phone := newTestManager(t, "phone")

	wraps, signature, err := original.Rotate(recipientsOf(original, phone))
	if err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	sealed, err := original.Seal(vclock.Clock{"laptop": 1}, []byte("persisted"), wraps, signature)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	material := original.Material()
	restored, err := Restore(material, nil, nil)
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	defer restored.Close()
	material.Zero()

	if restored.Epoch() != original.Epoch() {
		t.Errorf("restored epoch = %d, want %d", restored.Epoch(), original.Epoch())
	}
	if restored.AgreementPublicKey() != original.AgreementPublicKey() {
		t.Error("restored agreement public key differs")
	}
	if !bytes.Equal(restored.SigningPublicKey(), original.SigningPublicKey()) {
		t.Error("restored signing public key differs")
	}

	if _, opened, err := restored.Open(sealed, trustAll(original)); err != nil {
		t.Fatalf("Open() on restored manager error: %v", err)
	} else if !bytes.Equal(opened, []byte("persisted")) {
		t.Errorf("Open() plaintext = %q", opened)
	}
}

func TestSignVerify(t *testing.T) {
	laptop := newTestManager(t, "laptop")

	message := []byte("pairing payload")
	signature := laptop.Sign(message)
	if err := VerifySignature(laptop.SigningPublicKey(), message, signature); err != nil {
		t.Errorf("VerifySignature() error: %v", err)
	}
	if err := VerifySignature(laptop.SigningPublicKey(), []byte("tampered"), signature); err == nil {
		t.Error("VerifySignature() accepted a tampered message")
	}
}

func TestFingerprint(t *testing.T) {
	laptop := newTestManager(t, "laptop")
	phone := newTestManager(t, "phone")

	first := Fingerprint(laptop.SigningPublicKey())
	if len(first) != 16 {
		t.Errorf("Fingerprint() length = %d, want 16 hex chars", len(first))
	}
	if first != Fingerprint(laptop.SigningPublicKey()) {
		t.Error("Fingerprint() is not deterministic")
	}
	if first == Fingerprint(phone.SigningPublicKey()) {
		t.Error("two devices share a fingerprint")
	}
}

func TestRotationPolicy_Due(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	policy := RotationPolicy{Enabled: true, IntervalDays: 30, LastRotation: start}

	if policy.Due(start.Add(29 * 24 * time.Hour)) {
		t.Error("Due() fired before the interval elapsed")
	}
	if !policy.Due(start.Add(30 * 24 * time.Hour)) {
		t.Error("Due() missed an elapsed interval")
	}

	disabled := RotationPolicy{Enabled: false, IntervalDays: 30, LastRotation: start}
	if disabled.Due(start.Add(365 * 24 * time.Hour)) {
		t.Error("Due() fired while disabled")
	}
}

func TestSealLocal_RoundTrip(t *testing.T) {
	laptop := newTestManager(t, "laptop")

	token := []byte("bearer-abc123")
	sealed, err := laptop.SealLocal(token)
	if err != nil {
		t.Fatalf("SealLocal() error: %v", err)
	}
	if bytes.Contains(sealed, token) {
		t.Fatal("sealed output contains the plaintext token")
	}

	opened, err := laptop.OpenLocal(sealed)
	if err != nil {
		t.Fatalf("OpenLocal() error: %v", err)
	}
	defer opened.Close()
	if !bytes.Equal(opened.Bytes(), token) {
		t.Errorf("OpenLocal() = %q, want %q", opened.Bytes(), token)
	}
}

func TestOpenLocal_WrongDevice(t *testing.T) {
	laptop := newTestManager(t, "laptop")
	phone := newTestManager(t, "phone")

	sealed, err := laptop.SealLocal([]byte("bearer-abc123"))
	if err != nil {
		t.Fatalf("SealLocal() error: %v", err)
	}

	if _, err := phone.OpenLocal(sealed); err == nil {
		t.Fatal("OpenLocal() on another device succeeded, want error")
	}
}
