// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// LANConfig holds the parameters for the LAN peer transport.
type LANConfig struct {
	// DeviceID is the local device's identity on the wire.
	DeviceID string

	// ListenAddress is the TCP listen address, e.g. ":47400". Every
	// device in a workspace listens on the same port so discovery
	// only has to resolve addresses. ":0" picks a random port (tests).
	ListenAddress string

	// Authenticator signs and verifies the handshake.
	Authenticator PeerAuthenticator

	// Allowed reports whether a peer device ID may connect. Only
	// trusted devices belong on this list.
	Allowed func(deviceID string) bool

	// Peers returns the device IDs to push envelopes to on upload.
	Peers func() []string

	// Discovery resolves peer device IDs to addresses.
	Discovery Discovery

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger
}

// LAN exchanges envelopes directly with trusted peers on the local
// network. Every connection — inbound or outbound — starts with the
// mutual Ed25519 handshake; after it, each side sends its latest
// envelope and reads the peer's, so one connection settles both
// directions.
//
// The transport is opportunistic: peers that are offline or
// unresolvable are skipped, and the cloud or archive path carries the
// update instead.
type LAN struct {
	deviceID      string
	listener      net.Listener
	port          int
	authenticator PeerAuthenticator
	allowed       func(string) bool
	peers         func() []string
	discovery     Discovery
	logger        *slog.Logger

	mu     sync.Mutex
	outbox []byte
	inbox  [][]byte
	closed bool

	announcements chan string
	done          chan struct{}
}

// NewLAN starts listening and serving the exchange protocol.
func NewLAN(cfg LANConfig) (*LAN, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("transport: lan DeviceID is required")
	}
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("transport: lan Authenticator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":47400"
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("transport: lan listen on %s: %w", cfg.ListenAddress, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	lan := &LAN{
		deviceID:      cfg.DeviceID,
		listener:      listener,
		port:          port,
		authenticator: cfg.Authenticator,
		allowed:       cfg.Allowed,
		peers:         cfg.Peers,
		discovery:     cfg.Discovery,
		logger:        cfg.Logger,
		announcements: make(chan string, 16),
		done:          make(chan struct{}),
	}
	go lan.acceptLoop()

	cfg.Logger.Info("lan transport listening", "device_id", cfg.DeviceID, "port", port)
	return lan, nil
}

// Name implements Transport.
func (l *LAN) Name() string { return "lan" }

// SupportsRealTimeUpdates implements Transport: inbound pushes surface
// on Announcements.
func (l *LAN) SupportsRealTimeUpdates() bool { return true }

// Announcements delivers the device IDs of peers that pushed an
// envelope, so the coordinator can start a cycle without waiting for
// the next timer tick.
func (l *LAN) Announcements() <-chan string { return l.announcements }

// Port returns the bound TCP port.
func (l *LAN) Port() int { return l.port }

// Available implements Transport: the LAN path is worth trying while
// the listener is up and at least one peer is configured.
func (l *LAN) Available(ctx context.Context) bool {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return false
	}
	return l.peers == nil || len(l.peers()) > 0
}

// Upload implements Transport: records the envelope as the device's
// current state and pushes it to every reachable trusted peer.
// Individual peer failures are logged and skipped; the error return is
// reserved for total failure with peers configured.
func (l *LAN) Upload(ctx context.Context, envelope []byte) error {
	l.mu.Lock()
	l.outbox = append([]byte(nil), envelope...)
	l.mu.Unlock()

	if l.peers == nil {
		return nil
	}
	peers := l.peers()
	if len(peers) == 0 {
		return nil
	}

	delivered := 0
	for _, peerID := range peers {
		if err := l.push(ctx, peerID, envelope); err != nil {
			l.logger.Debug("lan peer unreachable", "peer", peerID, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return &Error{
			Transport: l.Name(),
			Op:        "upload",
			Err:       fmt.Errorf("no peer reachable (%d tried)", len(peers)),
			Retryable: true,
		}
	}
	return nil
}

// Download implements Transport: drains the envelopes received from
// peers since the last call.
func (l *LAN) Download(ctx context.Context) ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inbox := l.inbox
	l.inbox = nil
	return inbox, nil
}

// LastModified implements Transport: the LAN has no shared notion of
// remote modification time.
func (l *LAN) LastModified(ctx context.Context) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

// Close stops the listener and discovery.
func (l *LAN) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	err := l.listener.Close()
	if l.discovery != nil {
		if discoveryErr := l.discovery.Close(); err == nil {
			err = discoveryErr
		}
	}
	return err
}

// push dials one peer, authenticates, and swaps envelopes.
func (l *LAN) push(ctx context.Context, peerID string, envelope []byte) error {
	if l.discovery == nil {
		return fmt.Errorf("no discovery configured")
	}
	addr, err := l.discovery.Lookup(ctx, peerID)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: authTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(authTimeout))

	verifiedID, err := runPeerAuth(conn, l.authenticator, l.deviceID, l.allowed)
	if err != nil {
		return err
	}
	if verifiedID != peerID {
		return fmt.Errorf("dialed %s but authenticated %s", peerID, verifiedID)
	}

	conn.SetDeadline(time.Now().Add(time.Minute))
	inbound, err := exchangeEnvelopes(conn, envelope)
	if err != nil {
		return err
	}
	l.accept(verifiedID, inbound)
	return nil
}

func (l *LAN) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				l.logger.Debug("lan accept error", "error", err)
				continue
			}
		}
		go l.serveConn(conn)
	}
}

func (l *LAN) serveConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(authTimeout))

	peerID, err := runPeerAuth(conn, l.authenticator, l.deviceID, l.allowed)
	if err != nil {
		l.logger.Debug("lan handshake rejected", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	conn.SetDeadline(time.Now().Add(time.Minute))

	l.mu.Lock()
	outbound := l.outbox
	l.mu.Unlock()

	inbound, err := exchangeEnvelopes(conn, outbound)
	if err != nil {
		l.logger.Debug("lan exchange failed", "peer", peerID, "error", err)
		return
	}
	l.accept(peerID, inbound)
}

// accept queues a peer's envelope and announces the peer.
func (l *LAN) accept(peerID string, envelope []byte) {
	if len(envelope) == 0 {
		return
	}
	l.mu.Lock()
	l.inbox = append(l.inbox, envelope)
	l.mu.Unlock()

	select {
	case l.announcements <- peerID:
	default:
		// Announcement channel full: the coordinator is already
		// behind, and the envelope is queued regardless.
	}
}

// exchangeEnvelopes swaps one framed envelope in each direction. The
// write runs concurrently so synchronous pipes cannot deadlock.
func exchangeEnvelopes(conn io.ReadWriter, outbound []byte) ([]byte, error) {
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- writeFrame(conn, outbound)
	}()

	inbound, err := readFrame(conn, maxEnvelopeSize)
	if err != nil {
		return nil, fmt.Errorf("reading peer envelope: %w", err)
	}
	if err := <-writeDone; err != nil {
		return nil, fmt.Errorf("sending envelope: %w", err)
	}
	return inbound, nil
}
