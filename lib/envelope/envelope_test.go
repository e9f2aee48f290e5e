// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/driftsync/driftsync/lib/secret"
	"github.com/driftsync/driftsync/lib/vclock"
)

func testKey(t *testing.T) *secret.Buffer {
	t.Helper()
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	key, err := secret.NewFromBytes(raw)
	if err != nil {
		t.Fatalf("protecting test key: %v", err)
	}
	t.Cleanup(func() { key.Close() })
	return key
}

func testHeader(algorithm Algorithm) Header {
	return Header{
		WorkspaceID:    "ws-1",
		SenderDeviceID: "laptop",
		Clock:          vclock.Clock{"laptop": 3, "phone": 1},
		Epoch:          2,
		Algorithm:      algorithm,
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	for _, algorithm := range []Algorithm{AlgoChaCha20Poly1305, AlgoAES256GCM} {
		t.Run(string(algorithm), func(t *testing.T) {
			key := testKey(t)
			plaintext := []byte(`{"preferences":{"theme":"dark"}}`)

			sealed, err := Seal(testHeader(algorithm), plaintext, key)
			if err != nil {
				t.Fatalf("Seal() error: %v", err)
			}

			header, opened, err := Open(sealed, key)
			if err != nil {
				t.Fatalf("Open() error: %v", err)
			}
			if !bytes.Equal(opened, plaintext) {
				t.Errorf("Open() plaintext = %q, want %q", opened, plaintext)
			}
			if header.SenderDeviceID != "laptop" || header.Epoch != 2 {
				t.Errorf("Open() header = %+v", header)
			}
			if header.Clock.Counter("laptop") != 3 {
				t.Errorf("Open() clock = %v", header.Clock)
			}
		})
	}
}

func TestOpen_WrongKeyFails(t *testing.T) {
	correctKey := testKey(t)
	wrongKey := testKey(t)

	sealed, err := Seal(testHeader(AlgoChaCha20Poly1305), []byte("payload"), correctKey)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	_, _, err = Open(sealed, wrongKey)
	var decryptErr *DecryptError
	if !errors.As(err, &decryptErr) {
		t.Fatalf("Open() with wrong key = %v, want *DecryptError", err)
	}
}

func TestOpen_TamperedHeaderFails(t *testing.T) {
	key := testKey(t)
	sealed, err := Seal(testHeader(AlgoChaCha20Poly1305), []byte("payload"), key)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	// Flip a byte inside the CBOR header region. The header is AAD,
	// so the AEAD must reject the body even though the ciphertext is
	// untouched.
	tampered := append([]byte(nil), sealed...)
	tampered[len(formatMagic)+3] ^= 0x01

	_, _, err = Open(tampered, key)
	if err == nil {
		t.Fatal("Open() accepted a tampered header")
	}
}

func TestOpen_TamperedBodyFails(t *testing.T) {
	key := testKey(t)
	sealed, err := Seal(testHeader(AlgoChaCha20Poly1305), []byte("payload"), key)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01

	var decryptErr *DecryptError
	if _, _, err := Open(tampered, key); !errors.As(err, &decryptErr) {
		t.Fatalf("Open() with tampered body = %v, want *DecryptError", err)
	}
}

func TestDeriveMessageKey_EpochSeparation(t *testing.T) {
	key := testKey(t)

	epoch1, err := deriveMessageKey(key, 1)
	if err != nil {
		t.Fatalf("deriveMessageKey(1) error: %v", err)
	}
	defer epoch1.Close()
	epoch2, err := deriveMessageKey(key, 2)
	if err != nil {
		t.Fatalf("deriveMessageKey(2) error: %v", err)
	}
	defer epoch2.Close()

	if bytes.Equal(epoch1.Bytes(), epoch2.Bytes()) {
		t.Error("message keys for different epochs are identical")
	}
}

func TestPeekHeader_NoKeyNeeded(t *testing.T) {
	key := testKey(t)
	sealed, err := Seal(testHeader(AlgoAES256GCM), []byte("payload"), key)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	header, err := PeekHeader(sealed)
	if err != nil {
		t.Fatalf("PeekHeader() error: %v", err)
	}
	if header.WorkspaceID != "ws-1" || header.Algorithm != AlgoAES256GCM {
		t.Errorf("PeekHeader() = %+v", header)
	}
}

func TestPeekHeader_RejectsGarbage(t *testing.T) {
	if _, err := PeekHeader([]byte("not an envelope")); err == nil {
		t.Error("PeekHeader() accepted garbage")
	}
	if _, err := PeekHeader(nil); err == nil {
		t.Error("PeekHeader() accepted nil")
	}
}

func TestDigest_DistinguishesEnvelopes(t *testing.T) {
	key := testKey(t)
	first, err := Seal(testHeader(AlgoChaCha20Poly1305), []byte("a"), key)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	second, err := Seal(testHeader(AlgoChaCha20Poly1305), []byte("a"), key)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	// Fresh nonce per message: two seals of identical content differ.
	if Digest(first) == Digest(second) {
		t.Error("two independently sealed envelopes share a digest")
	}
	if Digest(first) != Digest(first) {
		t.Error("Digest is not deterministic")
	}
}

func TestWrapManifestMessage_Deterministic(t *testing.T) {
	wraps := []KeyWrap{
		{DeviceID: "laptop", Ciphertext: "YWJj"},
		{DeviceID: "phone", Ciphertext: "ZGVm"},
	}
	first, err := WrapManifestMessage(3, wraps)
	if err != nil {
		t.Fatalf("WrapManifestMessage() error: %v", err)
	}
	second, err := WrapManifestMessage(3, wraps)
	if err != nil {
		t.Fatalf("WrapManifestMessage() error: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("WrapManifestMessage is not deterministic")
	}

	other, err := WrapManifestMessage(4, wraps)
	if err != nil {
		t.Fatalf("WrapManifestMessage() error: %v", err)
	}
	if bytes.Equal(first, other) {
		t.Error("different epochs produced identical manifest messages")
	}
}

func TestWrapFor(t *testing.T) {
	header := testHeader(AlgoChaCha20Poly1305)
	header.KeyWraps = []KeyWrap{{DeviceID: "phone", Ciphertext: "YWJj"}}

	if _, ok := header.WrapFor("phone"); !ok {
		t.Error("WrapFor missed an existing wrap")
	}
	if _, ok := header.WrapFor("tablet"); ok {
		t.Error("WrapFor found a wrap for an unknown device")
	}
}
