// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/driftsync/driftsync/lib/secret"
)

// maxEnvelopeSize bounds a downloaded blob so a misbehaving server
// cannot force an unbounded allocation.
const maxEnvelopeSize = 64 << 20

// CloudConfig holds the parameters for the cloud blob transport.
type CloudConfig struct {
	// BaseURL is the blob service root, e.g. "https://sync.example.com".
	BaseURL string

	// WorkspaceID selects the blob path: workspaces/<id>/envelope.
	WorkspaceID string

	// Token is the bearer token, borrowed for the transport's
	// lifetime and NOT closed.
	Token *secret.Buffer

	// Client is the HTTP client. Nil gets a 30 second timeout client.
	Client *http.Client

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger
}

// Cloud stores the workspace's latest envelope as a single blob on an
// HTTP service. The service sees only sealed bytes: no plaintext, no
// keys, no device metadata beyond what the cleartext header carries.
//
// Downloads are conditional: the transport remembers the last ETag and
// sends If-None-Match, so an unchanged blob costs one 304 round trip.
type Cloud struct {
	endpoint string
	token    *secret.Buffer
	client   *http.Client
	logger   *slog.Logger

	mu   sync.Mutex
	etag string
}

// NewCloud validates the configuration and builds the transport.
func NewCloud(cfg CloudConfig) (*Cloud, error) {
	if cfg.BaseURL == "" || cfg.WorkspaceID == "" {
		return nil, fmt.Errorf("transport: cloud BaseURL and WorkspaceID are required")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("transport: cloud Token is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parsing cloud BaseURL: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	endpoint := base.JoinPath("workspaces", cfg.WorkspaceID, "envelope").String()

	return &Cloud{
		endpoint: endpoint,
		token:    cfg.Token,
		client:   client,
		logger:   logger,
	}, nil
}

// Name implements Transport.
func (c *Cloud) Name() string { return "cloud" }

// SupportsRealTimeUpdates implements Transport: the blob store is
// poll-only.
func (c *Cloud) SupportsRealTimeUpdates() bool { return false }

// Available probes the endpoint. Any HTTP response counts as
// reachable — a 404 just means no envelope has been uploaded yet.
func (c *Cloud) Available(ctx context.Context) bool {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, c.endpoint, nil)
	if err != nil {
		return false
	}
	c.authorize(request)
	response, err := c.client.Do(request)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, response.Body)
	response.Body.Close()
	return true
}

// Upload implements Transport.
func (c *Cloud) Upload(ctx context.Context, envelope []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint, bytes.NewReader(envelope))
	if err != nil {
		return &Error{Transport: c.Name(), Op: "upload", Err: err}
	}
	c.authorize(request)
	request.Header.Set("Content-Type", "application/octet-stream")

	response, err := c.client.Do(request)
	if err != nil {
		return &Error{Transport: c.Name(), Op: "upload", Err: err, Retryable: true}
	}
	defer func() {
		io.Copy(io.Discard, response.Body)
		response.Body.Close()
	}()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return c.statusError("upload", response.StatusCode)
	}

	// The server's ETag for our own upload: a subsequent download of
	// an unchanged blob short-circuits with 304.
	if etag := response.Header.Get("ETag"); etag != "" {
		c.mu.Lock()
		c.etag = etag
		c.mu.Unlock()
	}

	c.logger.Debug("envelope uploaded", "bytes", len(envelope))
	return nil
}

// Download implements Transport. Returns at most one envelope: the
// blob store holds only the latest.
func (c *Cloud) Download(ctx context.Context) ([][]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, &Error{Transport: c.Name(), Op: "download", Err: err}
	}
	c.authorize(request)

	c.mu.Lock()
	if c.etag != "" {
		request.Header.Set("If-None-Match", c.etag)
	}
	c.mu.Unlock()

	response, err := c.client.Do(request)
	if err != nil {
		return nil, &Error{Transport: c.Name(), Op: "download", Err: err, Retryable: true}
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotModified:
		io.Copy(io.Discard, response.Body)
		return nil, nil
	case response.StatusCode == http.StatusNotFound:
		// No envelope published yet.
		io.Copy(io.Discard, response.Body)
		return nil, nil
	case response.StatusCode < 200 || response.StatusCode > 299:
		io.Copy(io.Discard, response.Body)
		return nil, c.statusError("download", response.StatusCode)
	}

	envelope, err := io.ReadAll(io.LimitReader(response.Body, maxEnvelopeSize+1))
	if err != nil {
		return nil, &Error{Transport: c.Name(), Op: "download", Err: err, Retryable: true}
	}
	if len(envelope) > maxEnvelopeSize {
		return nil, &Error{Transport: c.Name(), Op: "download", Err: fmt.Errorf("blob exceeds %d bytes", maxEnvelopeSize)}
	}

	if etag := response.Header.Get("ETag"); etag != "" {
		c.mu.Lock()
		c.etag = etag
		c.mu.Unlock()
	}

	c.logger.Debug("envelope downloaded", "bytes", len(envelope))
	return [][]byte{envelope}, nil
}

// LastModified implements Transport via a HEAD request.
func (c *Cloud) LastModified(ctx context.Context) (time.Time, bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, c.endpoint, nil)
	if err != nil {
		return time.Time{}, false, &Error{Transport: c.Name(), Op: "head", Err: err}
	}
	c.authorize(request)

	response, err := c.client.Do(request)
	if err != nil {
		return time.Time{}, false, &Error{Transport: c.Name(), Op: "head", Err: err, Retryable: true}
	}
	io.Copy(io.Discard, response.Body)
	response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return time.Time{}, false, nil
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return time.Time{}, false, c.statusError("head", response.StatusCode)
	}

	header := response.Header.Get("Last-Modified")
	if header == "" {
		return time.Time{}, false, nil
	}
	modified, err := http.ParseTime(header)
	if err != nil {
		return time.Time{}, false, nil
	}
	return modified, true, nil
}

func (c *Cloud) authorize(request *http.Request) {
	request.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.token.String()))
}

func (c *Cloud) statusError(op string, status int) error {
	retryable := status >= 500 || status == http.StatusTooManyRequests
	return &Error{
		Transport: c.Name(),
		Op:        op,
		Err:       fmt.Errorf("unexpected status %d", status),
		Retryable: retryable,
	}
}
