// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/driftsync/driftsync/lib/codec"
	"github.com/driftsync/driftsync/lib/secret"
	"github.com/driftsync/driftsync/lib/vclock"
)

// formatMagic identifies a driftsync envelope. Protocol constant —
// changing it breaks every stored blob and archive.
const formatMagic = "DSE1"

// maxHeaderSize bounds the cleartext header during parsing so a
// corrupt or hostile blob cannot force a huge allocation before
// authentication.
const maxHeaderSize = 1 << 20

// KeySize is the size of the workspace sync key and all derived
// message keys.
const KeySize = 32

// hkdfInfoPrefix is the domain-separation prefix for per-epoch message
// key derivation.
var hkdfInfoPrefix = []byte("driftsync.envelope.v1")

// Algorithm selects the AEAD that seals envelope bodies.
type Algorithm string

const (
	// AlgoChaCha20Poly1305 is XChaCha20-Poly1305 (24-byte nonce).
	// Default.
	AlgoChaCha20Poly1305 Algorithm = "chacha20poly1305"

	// AlgoAES256GCM is AES-256-GCM (12-byte nonce).
	AlgoAES256GCM Algorithm = "aes256gcm"
)

// Valid reports whether the algorithm is one this engine implements.
func (a Algorithm) Valid() bool {
	return a == AlgoChaCha20Poly1305 || a == AlgoAES256GCM
}

// KeyWrap is one trusted device's encrypted copy of the workspace
// sync key: an age ciphertext only that device's agreement identity
// can open. Safe to publish — it appears in every cleartext header.
type KeyWrap struct {
	DeviceID   string `cbor:"device_id"`
	Ciphertext string `cbor:"ciphertext"`
}

// Header is the cleartext preamble of an envelope. It is
// authenticated (AEAD additional data) but not encrypted: transports
// and the coordinator need the sender, clock, and epoch before — and
// without — decrypting the body.
type Header struct {
	WorkspaceID    string       `cbor:"workspace_id"`
	SenderDeviceID string       `cbor:"sender_device_id"`
	Clock          vclock.Clock `cbor:"clock"`
	Epoch          uint64       `cbor:"epoch"`
	Algorithm      Algorithm    `cbor:"algorithm"`
	CreatedAt      time.Time    `cbor:"created_at"`

	// KeyWraps is the sender's current wrap manifest: one entry per
	// trusted device. WrapSignature is the sender's Ed25519 signature
	// over WrapManifestMessage(Epoch, KeyWraps); receivers verify it
	// before adopting a rotated key from the manifest.
	KeyWraps      []KeyWrap `cbor:"key_wraps,omitempty"`
	WrapSignature []byte    `cbor:"wrap_signature,omitempty"`
}

// WrapFor returns the wrap addressed to deviceID, if present.
func (h *Header) WrapFor(deviceID string) (KeyWrap, bool) {
	for _, wrap := range h.KeyWraps {
		if wrap.DeviceID == deviceID {
			return wrap, true
		}
	}
	return KeyWrap{}, false
}

// WrapManifestMessage builds the byte string signed by the sender to
// authenticate a wrap manifest: the epoch as 8 big-endian bytes
// followed by the deterministic CBOR encoding of the wraps.
func WrapManifestMessage(epoch uint64, wraps []KeyWrap) ([]byte, error) {
	encoded, err := codec.Marshal(wraps)
	if err != nil {
		return nil, fmt.Errorf("envelope: encoding wrap manifest: %w", err)
	}
	message := make([]byte, 8, 8+len(encoded))
	binary.BigEndian.PutUint64(message, epoch)
	return append(message, encoded...), nil
}

// DecryptError reports an envelope that could not be opened: failed
// authentication (wrong key, tampering) or a stale key epoch. Fatal
// for the sync cycle that hit it — never retried automatically.
type DecryptError struct {
	Reason string
	Err    error
}

func (e *DecryptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("envelope: %s", e.Reason)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// zstd coders are reused across calls; both are safe for concurrent
// use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("envelope: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("envelope: zstd decoder initialization failed: " + err.Error())
	}
}

// Seal produces a complete envelope: header encoded, plaintext
// compressed and sealed under the per-epoch message key with the
// header bytes as additional authenticated data.
//
// The syncKey is borrowed and NOT closed. It must be KeySize bytes.
func Seal(header Header, plaintext []byte, syncKey *secret.Buffer) ([]byte, error) {
	if !header.Algorithm.Valid() {
		return nil, fmt.Errorf("envelope: unknown AEAD algorithm %q", header.Algorithm)
	}

	headerBytes, err := codec.Marshal(&header)
	if err != nil {
		return nil, fmt.Errorf("envelope: encoding header: %w", err)
	}

	messageKey, err := deriveMessageKey(syncKey, header.Epoch)
	if err != nil {
		return nil, err
	}
	defer messageKey.Close()

	aead, err := newAEAD(header.Algorithm, messageKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("envelope: generating nonce: %w", err)
	}

	compressed := zstdEncoder.EncodeAll(plaintext, nil)

	output := bytes.NewBuffer(make([]byte, 0, len(formatMagic)+binary.MaxVarintLen64+len(headerBytes)+len(nonce)+len(compressed)+aead.Overhead()))
	output.WriteString(formatMagic)

	var headerLen [binary.MaxVarintLen64]byte
	lengthSize := binary.PutUvarint(headerLen[:], uint64(len(headerBytes)))
	output.Write(headerLen[:lengthSize])
	output.Write(headerBytes)
	output.Write(nonce)
	output.Write(aead.Seal(nil, nonce, compressed, headerBytes))

	return output.Bytes(), nil
}

// Open authenticates and decrypts an envelope with the given sync
// key. Epoch policy (anti-rollback, wrap adoption) is the keyring's
// job — Open only enforces the cryptography.
//
// The syncKey is borrowed and NOT closed.
func Open(data []byte, syncKey *secret.Buffer) (*Header, []byte, error) {
	header, headerBytes, body, err := parse(data)
	if err != nil {
		return nil, nil, err
	}

	messageKey, err := deriveMessageKey(syncKey, header.Epoch)
	if err != nil {
		return nil, nil, err
	}
	defer messageKey.Close()

	aead, err := newAEAD(header.Algorithm, messageKey)
	if err != nil {
		return nil, nil, err
	}
	if len(body) < aead.NonceSize()+aead.Overhead() {
		return nil, nil, &DecryptError{Reason: "envelope body truncated"}
	}

	nonce := body[:aead.NonceSize()]
	ciphertext := body[aead.NonceSize():]

	compressed, err := aead.Open(nil, nonce, ciphertext, headerBytes)
	if err != nil {
		return nil, nil, &DecryptError{Reason: "authentication failed (wrong key or tampered data)", Err: err}
	}

	plaintext, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, nil, &DecryptError{Reason: "decompressing authenticated body", Err: err}
	}
	return header, plaintext, nil
}

// PeekHeader parses and returns the cleartext header without a key.
// The header is NOT authenticated until Open succeeds — peeked values
// steer routing (skip own envelopes, pick the newest blob) but never
// state changes.
func PeekHeader(data []byte) (*Header, error) {
	header, _, _, err := parse(data)
	return header, err
}

// Digest returns the BLAKE3 digest of a sealed envelope, used by the
// coordinator to skip envelopes it has already merged and by
// transports to detect unchanged remote blobs.
func Digest(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// parse splits a sealed envelope into header, raw header bytes (the
// AAD), and the nonce+ciphertext body.
func parse(data []byte) (*Header, []byte, []byte, error) {
	if len(data) < len(formatMagic)+1 || string(data[:len(formatMagic)]) != formatMagic {
		return nil, nil, nil, fmt.Errorf("envelope: not a driftsync envelope (bad magic)")
	}
	rest := data[len(formatMagic):]

	headerSize, lengthSize := binary.Uvarint(rest)
	if lengthSize <= 0 || headerSize == 0 || headerSize > maxHeaderSize {
		return nil, nil, nil, fmt.Errorf("envelope: invalid header length")
	}
	rest = rest[lengthSize:]
	if uint64(len(rest)) < headerSize {
		return nil, nil, nil, fmt.Errorf("envelope: truncated header")
	}

	headerBytes := rest[:headerSize]
	var header Header
	if err := codec.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, nil, fmt.Errorf("envelope: decoding header: %w", err)
	}
	if !header.Algorithm.Valid() {
		return nil, nil, nil, fmt.Errorf("envelope: unknown AEAD algorithm %q", header.Algorithm)
	}

	return &header, headerBytes, rest[headerSize:], nil
}

// deriveMessageKey derives the per-epoch message key from the
// workspace sync key: HKDF-SHA256 with the epoch appended to the info
// string. The sync key is already uniformly random, so a nil salt is
// appropriate per RFC 5869.
func deriveMessageKey(syncKey *secret.Buffer, epoch uint64) (*secret.Buffer, error) {
	if syncKey.Len() != KeySize {
		return nil, fmt.Errorf("envelope: sync key must be %d bytes, got %d", KeySize, syncKey.Len())
	}

	info := make([]byte, len(hkdfInfoPrefix)+8)
	copy(info, hkdfInfoPrefix)
	binary.BigEndian.PutUint64(info[len(hkdfInfoPrefix):], epoch)

	reader := hkdf.New(sha256.New, syncKey.Bytes(), nil, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("envelope: HKDF derivation failed: %w", err)
	}
	return secret.NewFromBytes(derived)
}

// newAEAD constructs the AEAD for an algorithm. The messageKey is
// borrowed and NOT closed.
func newAEAD(algorithm Algorithm, messageKey *secret.Buffer) (cipher.AEAD, error) {
	switch algorithm {
	case AlgoChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(messageKey.Bytes())
		if err != nil {
			return nil, fmt.Errorf("envelope: creating XChaCha20-Poly1305: %w", err)
		}
		return aead, nil
	case AlgoAES256GCM:
		block, err := aes.NewCipher(messageKey.Bytes())
		if err != nil {
			return nil, fmt.Errorf("envelope: creating AES cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("envelope: creating GCM: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("envelope: unknown AEAD algorithm %q", algorithm)
	}
}
