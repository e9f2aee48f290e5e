// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/driftsync/driftsync/lib/codec"
	"github.com/driftsync/driftsync/lib/envelope"
	"github.com/driftsync/driftsync/lib/secret"
)

// archiveMagic identifies a driftsync export archive. The archive
// body is a complete sync envelope, so an import goes through the
// exact same open path as a network download.
const archiveMagic = "DSA1"

// archiveSaltSize is the KDF salt length in bytes.
const archiveSaltSize = 16

// Archive KDF parameters. Protocol constants: they are recorded in
// every archive header, but new archives always use these values.
const (
	argonTime      = 1
	argonMemoryKiB = 64 * 1024
	argonThreads   = 4

	pbkdf2Iterations = 600_000
)

// archiveHeader is the cleartext preamble of an export archive. It is
// authenticated as AAD, so tampering with the recorded KDF parameters
// fails decryption instead of weakening it.
type archiveHeader struct {
	KDF        KDF    `cbor:"kdf"`
	Salt       []byte `cbor:"salt"`
	Time       uint32 `cbor:"time,omitempty"`
	MemoryKiB  uint32 `cbor:"memory_kib,omitempty"`
	Threads    uint8  `cbor:"threads,omitempty"`
	Iterations uint32 `cbor:"iterations,omitempty"`
	Nonce      []byte `cbor:"nonce"`
}

// SealArchive wraps a sealed sync envelope in a passphrase-protected
// archive for export. The archive key is derived with the manager's
// configured KDF; the body is sealed with XChaCha20-Poly1305.
//
// The passphrase is borrowed and NOT closed.
func (m *Manager) SealArchive(envelopeBytes []byte, passphrase *secret.Buffer) ([]byte, error) {
	salt := make([]byte, archiveSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("keyring: generating archive salt: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keyring: generating archive nonce: %w", err)
	}

	header := archiveHeader{
		KDF:   m.kdf,
		Salt:  salt,
		Nonce: nonce,
	}
	switch m.kdf {
	case KDFArgon2id:
		header.Time = argonTime
		header.MemoryKiB = argonMemoryKiB
		header.Threads = argonThreads
	case KDFPBKDF2:
		header.Iterations = pbkdf2Iterations
	}

	key, err := deriveArchiveKey(passphrase, header)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	headerBytes, err := codec.Marshal(&header)
	if err != nil {
		return nil, fmt.Errorf("keyring: encoding archive header: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("keyring: creating archive cipher: %w", err)
	}

	output := make([]byte, 0, len(archiveMagic)+binary.MaxVarintLen64+len(headerBytes)+len(envelopeBytes)+aead.Overhead())
	output = append(output, archiveMagic...)
	var headerLen [binary.MaxVarintLen64]byte
	lengthSize := binary.PutUvarint(headerLen[:], uint64(len(headerBytes)))
	output = append(output, headerLen[:lengthSize]...)
	output = append(output, headerBytes...)
	output = aead.Seal(output, nonce, envelopeBytes, headerBytes)
	return output, nil
}

// OpenArchive unwraps a passphrase-protected archive and returns the
// sync envelope inside. A wrong passphrase surfaces as a DecryptError.
//
// The passphrase is borrowed and NOT closed.
func OpenArchive(data []byte, passphrase *secret.Buffer) ([]byte, error) {
	if len(data) < len(archiveMagic)+1 || string(data[:len(archiveMagic)]) != archiveMagic {
		return nil, fmt.Errorf("keyring: not a driftsync archive (bad magic)")
	}
	rest := data[len(archiveMagic):]

	headerSize, lengthSize := binary.Uvarint(rest)
	if lengthSize <= 0 || headerSize == 0 || headerSize > 4096 {
		return nil, fmt.Errorf("keyring: invalid archive header length")
	}
	rest = rest[lengthSize:]
	if uint64(len(rest)) < headerSize {
		return nil, fmt.Errorf("keyring: truncated archive header")
	}
	headerBytes := rest[:headerSize]
	ciphertext := rest[headerSize:]

	var header archiveHeader
	if err := codec.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("keyring: decoding archive header: %w", err)
	}
	if !header.KDF.Valid() {
		return nil, fmt.Errorf("keyring: archive uses unknown KDF %q", header.KDF)
	}
	if len(header.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("keyring: archive nonce is %d bytes, want %d", len(header.Nonce), chacha20poly1305.NonceSizeX)
	}

	key, err := deriveArchiveKey(passphrase, header)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("keyring: creating archive cipher: %w", err)
	}

	envelopeBytes, err := aead.Open(nil, header.Nonce, ciphertext, headerBytes)
	if err != nil {
		return nil, &envelope.DecryptError{Reason: "archive authentication failed (wrong passphrase or tampered file)", Err: err}
	}
	return envelopeBytes, nil
}

// deriveArchiveKey derives the 32-byte archive key from a passphrase
// using the parameters recorded in the archive header.
func deriveArchiveKey(passphrase *secret.Buffer, header archiveHeader) (*secret.Buffer, error) {
	var derived []byte
	switch header.KDF {
	case KDFArgon2id:
		time := header.Time
		memory := header.MemoryKiB
		threads := header.Threads
		if time == 0 || memory == 0 || threads == 0 {
			return nil, fmt.Errorf("keyring: archive is missing Argon2id parameters")
		}
		derived = argon2.IDKey(passphrase.Bytes(), header.Salt, time, memory, threads, envelope.KeySize)
	case KDFPBKDF2:
		if header.Iterations == 0 {
			return nil, fmt.Errorf("keyring: archive is missing PBKDF2 iteration count")
		}
		derived = pbkdf2.Key(passphrase.Bytes(), header.Salt, int(header.Iterations), envelope.KeySize, sha256.New)
	default:
		return nil, fmt.Errorf("keyring: unknown KDF %q", header.KDF)
	}
	return secret.NewFromBytes(derived)
}
