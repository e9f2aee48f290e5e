// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"
)

// authNonceSize is the random challenge length in bytes.
const authNonceSize = 32

// authSignatureSize is an Ed25519 signature length in bytes.
const authSignatureSize = 64

// authTimeout bounds the whole LAN handshake: identity exchange, nonce
// exchange, signing, verification. A connection that has not
// authenticated within this window is torn down.
const authTimeout = 10 * time.Second

// maxDeviceIDLen bounds the claimed device ID during the handshake.
const maxDeviceIDLen = 256

// PeerAuthenticator verifies the cryptographic identity of LAN peers.
// The engine implements it over the keyring (signing) and the device
// registry (peer key lookup).
type PeerAuthenticator interface {
	// Sign signs message with the local device's Ed25519 key.
	Sign(message []byte) []byte

	// VerifyPeer verifies that signature is a valid signature of
	// message by the device identified by peerDeviceID. Unknown and
	// untrusted devices must fail.
	VerifyPeer(peerDeviceID string, message, signature []byte) error
}

// runPeerAuth executes the mutual authentication protocol on a fresh
// LAN connection. Both peers run it simultaneously:
//
//  1. Send own device ID (framed), read the peer's.
//  2. Check the peer against the allow-list.
//  3. Send a 32-byte random nonce, read the peer's.
//  4. Sign (peerNonce || peerDeviceID) — binding the response to the
//     specific challenger — and send the signature.
//  5. Read the peer's signature and verify it against
//     (ownNonce || ownDeviceID) with the peer's published key.
//
// The device-ID binding in step 4 prevents a signature produced for
// peer A from being replayed to authenticate against peer B.
//
// Writes run on a background goroutine so the handshake cannot
// deadlock on synchronous pipes where Write blocks until the peer
// reads. Returns the verified peer device ID. The caller closes the
// connection.
func runPeerAuth(channel io.ReadWriter, authenticator PeerAuthenticator, deviceID string, allowed func(string) bool) (string, error) {
	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating auth nonce: %w", err)
	}

	writeErrors := make(chan error, 1)
	signatureToSend := make(chan []byte, 1)

	// Background writer: identity, nonce, then the signature once the
	// main goroutine has computed it.
	go func() {
		if err := writeFrame(channel, []byte(deviceID)); err != nil {
			writeErrors <- fmt.Errorf("sending device id: %w", err)
			return
		}
		if _, err := channel.Write(nonce); err != nil {
			writeErrors <- fmt.Errorf("sending auth nonce: %w", err)
			return
		}
		signature, ok := <-signatureToSend
		if !ok {
			return
		}
		if _, err := channel.Write(signature); err != nil {
			writeErrors <- fmt.Errorf("sending auth signature: %w", err)
			return
		}
		writeErrors <- nil
	}()

	fail := func(err error) (string, error) {
		close(signatureToSend)
		return "", err
	}

	peerIDBytes, err := readFrame(channel, maxDeviceIDLen)
	if err != nil {
		return fail(fmt.Errorf("reading peer device id: %w", err))
	}
	peerDeviceID := string(peerIDBytes)
	if peerDeviceID == "" || peerDeviceID == deviceID {
		return fail(fmt.Errorf("peer claimed invalid device id %q", peerDeviceID))
	}
	if allowed != nil && !allowed(peerDeviceID) {
		return fail(fmt.Errorf("device %q is not on the allow-list", peerDeviceID))
	}

	peerNonce := make([]byte, authNonceSize)
	if _, err := io.ReadFull(channel, peerNonce); err != nil {
		return fail(fmt.Errorf("reading peer nonce: %w", err))
	}

	// "I am responding to this challenge from the device that claims
	// to be <peerDeviceID>."
	signedMessage := make([]byte, 0, authNonceSize+len(peerDeviceID))
	signedMessage = append(signedMessage, peerNonce...)
	signedMessage = append(signedMessage, peerDeviceID...)
	signatureToSend <- authenticator.Sign(signedMessage)

	peerSignature := make([]byte, authSignatureSize)
	if _, err := io.ReadFull(channel, peerSignature); err != nil {
		return "", fmt.Errorf("reading peer signature: %w", err)
	}

	if err := <-writeErrors; err != nil {
		return "", err
	}

	// The peer must have answered OUR challenge bound to OUR identity.
	verifyMessage := make([]byte, 0, authNonceSize+len(deviceID))
	verifyMessage = append(verifyMessage, nonce...)
	verifyMessage = append(verifyMessage, deviceID...)
	if err := authenticator.VerifyPeer(peerDeviceID, verifyMessage, peerSignature); err != nil {
		return "", fmt.Errorf("peer %s failed authentication: %w", peerDeviceID, err)
	}

	return peerDeviceID, nil
}
