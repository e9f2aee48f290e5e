// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"
)

// Discovery resolves peer device IDs to LAN addresses. The production
// implementation is mDNS; tests substitute a static table.
type Discovery interface {
	// Lookup resolves a peer device ID to its current LAN address and
	// exchange port.
	Lookup(ctx context.Context, deviceID string) (netip.AddrPort, error)

	// Close stops answering queries for the local device.
	Close() error
}

// mdnsDomain is the shared suffix for driftsync mDNS names.
const mdnsDomain = ".driftsync.local"

// mdnsName derives the mDNS hostname a device answers for. Device IDs
// are sanitized into a DNS label: lowercased, non-label characters
// replaced with hyphens, truncated to 32 characters.
func mdnsName(deviceID string) string {
	var label strings.Builder
	for _, r := range strings.ToLower(deviceID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			label.WriteRune(r)
		default:
			label.WriteRune('-')
		}
		if label.Len() >= 32 {
			break
		}
	}
	return label.String() + mdnsDomain
}

// MDNSDiscovery announces the local device on the subnet and resolves
// peers, both over multicast DNS. mDNS carries only addresses, so
// every device in a workspace exchanges on the same well-known port.
type MDNSDiscovery struct {
	conn *mdns.Conn
	port uint16
}

// NewMDNSDiscovery joins the mDNS multicast group and starts answering
// queries for the local device's name. peerPort is the TCP exchange
// port shared by the workspace's devices.
func NewMDNSDiscovery(localDeviceID string, peerPort uint16) (*MDNSDiscovery, error) {
	addr, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, fmt.Errorf("transport: resolving mDNS address: %w", err)
	}
	packetConn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: joining mDNS group: %w", err)
	}

	conn, err := mdns.Server(ipv4.NewPacketConn(packetConn), nil, &mdns.Config{
		LocalNames: []string{mdnsName(localDeviceID)},
	})
	if err != nil {
		packetConn.Close()
		return nil, fmt.Errorf("transport: starting mDNS responder: %w", err)
	}
	return &MDNSDiscovery{conn: conn, port: peerPort}, nil
}

// Lookup implements Discovery.
func (d *MDNSDiscovery) Lookup(ctx context.Context, deviceID string) (netip.AddrPort, error) {
	_, addr, err := d.conn.QueryAddr(ctx, mdnsName(deviceID))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("transport: mDNS lookup of %s: %w", deviceID, err)
	}
	return netip.AddrPortFrom(addr, d.port), nil
}

// Close implements Discovery.
func (d *MDNSDiscovery) Close() error {
	return d.conn.Close()
}
