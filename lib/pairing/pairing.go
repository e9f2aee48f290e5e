// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftsync/driftsync/lib/clock"
	"github.com/driftsync/driftsync/lib/keyring"
)

// PayloadTTL is how long a pairing payload remains valid after
// generation.
const PayloadTTL = 5 * time.Minute

// payloadSigningContext domain-separates pairing signatures from every
// other Ed25519 use of the device key.
const payloadSigningContext = "driftsync.pairing.v1"

var (
	// ErrPayloadExpired reports a pairing payload past its expiry.
	ErrPayloadExpired = errors.New("pairing: payload expired")

	// ErrTokenReplayed reports a pairing token that was already
	// accepted once.
	ErrTokenReplayed = errors.New("pairing: token already used")

	// ErrUnknownDevice reports an operation on a device ID the
	// registry has never seen.
	ErrUnknownDevice = errors.New("pairing: unknown device")
)

// Device is a paired device's registry record. Trusted starts false
// and flips true only through Registry.Trust.
type Device struct {
	ID           string
	Name         string
	Type         string
	Platform     string
	SigningKey   ed25519.PublicKey
	AgreementKey string
	LastSeen     time.Time
	Trusted      bool
	Capabilities []string
}

// Payload is the JSON blob exchanged out-of-band (QR code, copy-paste)
// to pair a new device. Everything in it is public; the signature
// binds the keys to the device ID so a relay cannot swap them.
type Payload struct {
	DeviceID     string    `json:"deviceId"`
	Name         string    `json:"name"`
	DeviceType   string    `json:"deviceType,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	PublicKey    string    `json:"publicKey"`    // base64 Ed25519
	AgreementKey string    `json:"agreementKey"` // age1...
	PairingToken string    `json:"pairingToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Signature    string    `json:"signature"` // base64 Ed25519
}

// signingMessage is the canonical byte string the payload signature
// covers. Field order is fixed; changing it invalidates every payload
// in flight.
func (p *Payload) signingMessage() []byte {
	fields := []string{
		payloadSigningContext,
		p.DeviceID,
		p.Name,
		p.DeviceType,
		p.Platform,
		p.PublicKey,
		p.AgreementKey,
		p.PairingToken,
		p.ExpiresAt.UTC().Format(time.RFC3339),
		strings.Join(p.Capabilities, ","),
	}
	return []byte(strings.Join(fields, "\n"))
}

// Signer is the subset of the keyring manager pairing needs: the local
// identity and the ability to sign with it.
type Signer interface {
	DeviceID() string
	SigningPublicKey() ed25519.PublicKey
	AgreementPublicKey() string
	Sign(message []byte) []byte
}

// Store persists the device registry and the pairing-token replay
// cache. Implemented by lib/state.
type Store interface {
	SaveDevice(device Device) error
	DeleteDevice(deviceID string) error
	Device(deviceID string) (Device, bool, error)
	Devices() ([]Device, error)

	// MarkPairingToken records a token as used and reports whether
	// this was its first use.
	MarkPairingToken(token string) (firstUse bool, err error)
}

// Registry manages paired devices and their trust state. Safe for
// concurrent use; all mutations are serialized so two in-process
// callers cannot race a trust grant against a removal.
type Registry struct {
	mu     sync.Mutex
	store  Store
	clk    clock.Clock
	logger *slog.Logger
}

// NewRegistry builds a registry over the given store. A nil clock
// means wall time; a nil logger discards.
func NewRegistry(store Store, clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{store: store, clk: clk, logger: logger}
}

// GeneratePayload builds and signs a fresh pairing payload for the
// local device, valid for PayloadTTL from now.
func (r *Registry) GeneratePayload(signer Signer, name, deviceType, platform string, capabilities []string) (*Payload, error) {
	payload := &Payload{
		DeviceID:     signer.DeviceID(),
		Name:         name,
		DeviceType:   deviceType,
		Platform:     platform,
		PublicKey:    base64.StdEncoding.EncodeToString(signer.SigningPublicKey()),
		AgreementKey: signer.AgreementPublicKey(),
		PairingToken: uuid.NewString(),
		ExpiresAt:    r.clk.Now().Add(PayloadTTL).UTC(),
		Capabilities: capabilities,
	}
	payload.Signature = base64.StdEncoding.EncodeToString(signer.Sign(payload.signingMessage()))
	return payload, nil
}

// ProcessPayload verifies an incoming pairing payload and records the
// device as paired but untrusted. Expired payloads, replayed tokens,
// and bad signatures are all rejected before anything is stored.
func (r *Registry) ProcessPayload(raw []byte) (Device, error) {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Device{}, fmt.Errorf("pairing: decoding payload: %w", err)
	}
	if payload.DeviceID == "" || payload.PairingToken == "" {
		return Device{}, fmt.Errorf("pairing: payload missing device ID or token")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clk.Now().After(payload.ExpiresAt) {
		return Device{}, ErrPayloadExpired
	}

	signingKey, err := base64.StdEncoding.DecodeString(payload.PublicKey)
	if err != nil {
		return Device{}, fmt.Errorf("pairing: decoding public key: %w", err)
	}
	signature, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		return Device{}, fmt.Errorf("pairing: decoding signature: %w", err)
	}
	if err := keyring.VerifySignature(signingKey, payload.signingMessage(), signature); err != nil {
		return Device{}, fmt.Errorf("pairing: payload signature invalid: %w", err)
	}

	firstUse, err := r.store.MarkPairingToken(payload.PairingToken)
	if err != nil {
		return Device{}, fmt.Errorf("pairing: recording token: %w", err)
	}
	if !firstUse {
		return Device{}, ErrTokenReplayed
	}

	device := Device{
		ID:           payload.DeviceID,
		Name:         payload.Name,
		Type:         payload.DeviceType,
		Platform:     payload.Platform,
		SigningKey:   signingKey,
		AgreementKey: payload.AgreementKey,
		LastSeen:     r.clk.Now(),
		Trusted:      false,
		Capabilities: payload.Capabilities,
	}
	if err := r.store.SaveDevice(device); err != nil {
		return Device{}, fmt.Errorf("pairing: saving device: %w", err)
	}

	r.logger.Info("device paired",
		"device_id", device.ID,
		"name", device.Name,
		"fingerprint", keyring.Fingerprint(device.SigningKey),
	)
	return device, nil
}

// Trust grants a paired device trusted status. The caller (the engine)
// is responsible for the consequences: wrapping the sync key for the
// device and adding it to the LAN allow-list.
func (r *Registry) Trust(deviceID string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok, err := r.store.Device(deviceID)
	if err != nil {
		return Device{}, fmt.Errorf("pairing: loading device: %w", err)
	}
	if !ok {
		return Device{}, ErrUnknownDevice
	}
	if device.Trusted {
		return device, nil
	}

	device.Trusted = true
	if err := r.store.SaveDevice(device); err != nil {
		return Device{}, fmt.Errorf("pairing: saving trust grant: %w", err)
	}

	r.logger.Info("device trusted", "device_id", deviceID)
	return device, nil
}

// Remove deletes a device from the registry. The caller must rotate
// the workspace key afterwards so the removed device cannot decrypt
// future envelopes.
func (r *Registry) Remove(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok, err := r.store.Device(deviceID)
	if err != nil {
		return fmt.Errorf("pairing: loading device: %w", err)
	}
	if !ok {
		return ErrUnknownDevice
	}
	if err := r.store.DeleteDevice(deviceID); err != nil {
		return fmt.Errorf("pairing: deleting device: %w", err)
	}

	r.logger.Info("device removed", "device_id", deviceID)
	return nil
}

// Device returns a single registry record.
func (r *Registry) Device(deviceID string) (Device, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Device(deviceID)
}

// Devices returns all paired devices, trusted or not.
func (r *Registry) Devices() ([]Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Devices()
}

// Touch updates a device's last-seen timestamp, called when an
// envelope or LAN announcement from it arrives.
func (r *Registry) Touch(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok, err := r.store.Device(deviceID)
	if err != nil || !ok {
		return err
	}
	device.LastSeen = r.clk.Now()
	return r.store.SaveDevice(device)
}

// SenderKeyLookup adapts the registry for envelope opening: it
// resolves sender device IDs to signing keys and trust status. The
// local signer is always trusted (own envelopes round-trip through
// transports).
func (r *Registry) SenderKeyLookup(local Signer) keyring.SenderKeyLookup {
	return func(deviceID string) (ed25519.PublicKey, bool) {
		if deviceID == local.DeviceID() {
			return local.SigningPublicKey(), true
		}
		device, ok, err := r.Device(deviceID)
		if err != nil || !ok || !device.Trusted {
			return nil, false
		}
		return device.SigningKey, true
	}
}

// TrustedRecipients returns the wrap recipients for the current
// trusted device set, always including the local device.
func (r *Registry) TrustedRecipients(local Signer) (keyring.WrapRecipients, error) {
	devices, err := r.Devices()
	if err != nil {
		return nil, err
	}
	recipients := keyring.WrapRecipients{
		local.DeviceID(): local.AgreementPublicKey(),
	}
	for _, device := range devices {
		if device.Trusted {
			recipients[device.ID] = device.AgreementKey
		}
	}
	return recipients, nil
}
