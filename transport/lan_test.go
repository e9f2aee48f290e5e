// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"
)

// staticDiscovery resolves device IDs from a fixed table.
type staticDiscovery struct {
	table map[string]netip.AddrPort
}

func (d *staticDiscovery) Lookup(ctx context.Context, deviceID string) (netip.AddrPort, error) {
	addr, ok := d.table[deviceID]
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("unknown device %q", deviceID)
	}
	return addr, nil
}

func (d *staticDiscovery) Close() error { return nil }

func lanAddrPort(t *testing.T, lan *LAN) netip.AddrPort {
	t.Helper()
	addr, err := netip.ParseAddrPort(net.JoinHostPort("127.0.0.1", fmt.Sprint(lan.Port())))
	if err != nil {
		t.Fatalf("parsing lan address: %v", err)
	}
	return addr
}

// newLANPair builds two mutually trusting LAN transports wired through
// a static discovery table.
func newLANPair(t *testing.T) (*LAN, *LAN) {
	t.Helper()

	authA, publicA := newTestAuthenticator(t)
	authB, publicB := newTestAuthenticator(t)
	authA.peers["b"] = publicB
	authB.peers["a"] = publicA

	discovery := &staticDiscovery{table: make(map[string]netip.AddrPort)}
	trustAll := func(string) bool { return true }

	lanA, err := NewLAN(LANConfig{
		DeviceID:      "a",
		ListenAddress: "127.0.0.1:0",
		Authenticator: authA,
		Allowed:       trustAll,
		Peers:         func() []string { return []string{"b"} },
		Discovery:     discovery,
	})
	if err != nil {
		t.Fatalf("NewLAN(a) error: %v", err)
	}
	t.Cleanup(func() { lanA.Close() })

	lanB, err := NewLAN(LANConfig{
		DeviceID:      "b",
		ListenAddress: "127.0.0.1:0",
		Authenticator: authB,
		Allowed:       trustAll,
		Peers:         func() []string { return []string{"a"} },
		Discovery:     discovery,
	})
	if err != nil {
		t.Fatalf("NewLAN(b) error: %v", err)
	}
	t.Cleanup(func() { lanB.Close() })

	discovery.table["a"] = lanAddrPort(t, lanA)
	discovery.table["b"] = lanAddrPort(t, lanB)
	return lanA, lanB
}

func TestLAN_PushDelivery(t *testing.T) {
	lanA, lanB := newLANPair(t)
	ctx := context.Background()

	payload := []byte("envelope from a")
	if err := lanA.Upload(ctx, payload); err != nil {
		t.Fatalf("Upload() error: %v", err)
	}

	// The push announces a to b in real time.
	select {
	case peerID := <-lanB.Announcements():
		if peerID != "a" {
			t.Errorf("announcement from %q, want a", peerID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no announcement delivered")
	}

	envelopes, err := lanB.Download(ctx)
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	if len(envelopes) != 1 || !bytes.Equal(envelopes[0], payload) {
		t.Fatalf("Download() = %q, want the pushed envelope", envelopes)
	}

	// Inbox drains: a second download is empty.
	envelopes, err = lanB.Download(ctx)
	if err != nil {
		t.Fatalf("second Download() error: %v", err)
	}
	if len(envelopes) != 0 {
		t.Errorf("inbox did not drain: %d envelopes", len(envelopes))
	}
}

func TestLAN_ExchangeReturnsPeerState(t *testing.T) {
	lanA, lanB := newLANPair(t)
	ctx := context.Background()

	// b publishes first; its envelope sits in its outbox.
	fromB := []byte("envelope from b")
	if err := lanB.Upload(ctx, fromB); err != nil {
		t.Fatalf("Upload() on b error: %v", err)
	}
	// Drain whatever b's push delivered to a.
	<-lanA.Announcements()
	if _, err := lanA.Download(ctx); err != nil {
		t.Fatalf("draining a: %v", err)
	}

	// When a pushes to b, the same connection carries b's outbox back.
	fromA := []byte("envelope from a")
	if err := lanA.Upload(ctx, fromA); err != nil {
		t.Fatalf("Upload() on a error: %v", err)
	}
	envelopes, err := lanA.Download(ctx)
	if err != nil {
		t.Fatalf("Download() on a error: %v", err)
	}
	if len(envelopes) != 1 || !bytes.Equal(envelopes[0], fromB) {
		t.Fatalf("Download() on a = %q, want b's envelope", envelopes)
	}
}

func TestLAN_RejectsDisallowedPeer(t *testing.T) {
	authA, publicA := newTestAuthenticator(t)
	authB, publicB := newTestAuthenticator(t)
	authA.peers["b"] = publicB
	authB.peers["a"] = publicA

	discovery := &staticDiscovery{table: make(map[string]netip.AddrPort)}

	lanA, err := NewLAN(LANConfig{
		DeviceID:      "a",
		ListenAddress: "127.0.0.1:0",
		Authenticator: authA,
		Allowed:       func(string) bool { return true },
		Peers:         func() []string { return []string{"b"} },
		Discovery:     discovery,
	})
	if err != nil {
		t.Fatalf("NewLAN(a) error: %v", err)
	}
	defer lanA.Close()

	// b allows nobody: a's push must fail outright.
	lanB, err := NewLAN(LANConfig{
		DeviceID:      "b",
		ListenAddress: "127.0.0.1:0",
		Authenticator: authB,
		Allowed:       func(string) bool { return false },
		Peers:         func() []string { return nil },
		Discovery:     discovery,
	})
	if err != nil {
		t.Fatalf("NewLAN(b) error: %v", err)
	}
	defer lanB.Close()

	discovery.table["b"] = lanAddrPort(t, lanB)

	err = lanA.Upload(context.Background(), []byte("envelope"))
	if err == nil {
		t.Fatal("Upload() to a rejecting peer succeeded")
	}
	if !IsRetryable(err) {
		t.Errorf("Upload() error %v is not retryable", err)
	}

	envelopes, downloadErr := lanB.Download(context.Background())
	if downloadErr != nil || len(envelopes) != 0 {
		t.Errorf("rejected peer still delivered: %q, %v", envelopes, downloadErr)
	}
}

func TestLAN_UnresolvablePeerIsRetryable(t *testing.T) {
	authA, _ := newTestAuthenticator(t)

	lanA, err := NewLAN(LANConfig{
		DeviceID:      "a",
		ListenAddress: "127.0.0.1:0",
		Authenticator: authA,
		Allowed:       func(string) bool { return true },
		Peers:         func() []string { return []string{"ghost"} },
		Discovery:     &staticDiscovery{table: map[string]netip.AddrPort{}},
	})
	if err != nil {
		t.Fatalf("NewLAN(a) error: %v", err)
	}
	defer lanA.Close()

	err = lanA.Upload(context.Background(), []byte("envelope"))
	if !IsRetryable(err) {
		t.Errorf("Upload() with unresolvable peer = %v, want retryable", err)
	}
}
