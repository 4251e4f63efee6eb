// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ResolveTCP resolves host and port to a single TCP address. The
// kernel endpoint is resolved once, at open time; later reconnects use
// a fresh Open.
func ResolveTCP(ctx context.Context, host string, port int) (*net.TCPAddr, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("port %d out of range", port)
	}
	addresses, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	if len(addresses) == 0 {
		return nil, fmt.Errorf("resolving %s: no addresses", host)
	}
	// Prefer IPv4 so "localhost" matches a kernel bound to 127.0.0.1.
	chosen := addresses[0]
	for _, address := range addresses {
		if address.IP.To4() != nil {
			chosen = address
			break
		}
	}
	return &net.TCPAddr{IP: chosen.IP, Port: port, Zone: chosen.Zone}, nil
}

// DialTCP connects to address with Nagle's algorithm disabled. Frames
// are small and latency-bound; batching them only delays responses.
// Zero timeout means only the context deadline applies.
func DialTCP(ctx context.Context, address *net.TCPAddr, timeout time.Duration) (*net.TCPConn, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address.String())
	if err != nil {
		return nil, err
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("dial %s: unexpected connection type %T", address, conn)
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("setting TCP_NODELAY on %s: %w", address, err)
	}
	return tcpConn, nil
}

// JoinHostPort is net.JoinHostPort for an integer port.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
