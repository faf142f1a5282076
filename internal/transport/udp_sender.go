/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const (
	// DefaultSendTimeout bounds a single send to one default frame duration.
	DefaultSendTimeout = 20 * time.Millisecond

	// tosExpedited is DSCP EF (46) shifted into the TOS byte.
	tosExpedited = 0xB8
)

// ErrEmptyHost is returned when a session is started without a destination host.
var ErrEmptyHost = errors.New("destination host is empty")

// ErrSenderClosed is returned by Send after Close or before Open.
var ErrSenderClosed = errors.New("sender is not open")

// TransportError reports a failed socket operation.
type TransportError struct {
	Op  string // "resolve", "open" or "send"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PacketConn is the subset of *net.UDPConn the sender needs. It lets tests
// substitute a failing socket.
type PacketConn interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	SetWriteDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// ListenFunc opens the outbound socket.
type ListenFunc func(ctx context.Context) (PacketConn, error)

// SenderConfig configures a UDPSender.
type SenderConfig struct {
	SendTimeout time.Duration
	QoS         bool
	Listen      ListenFunc
	Logger      *zap.Logger
}

// UDPSender owns one outbound UDP socket for the lifetime of a session and
// sends fire-and-forget packets through it. Send is meant for a single writer.
type UDPSender struct {
	conf SenderConfig
	log  *zap.Logger
	mu   sync.Mutex
	conn PacketConn
}

// NewUDPSender creates a sender; the socket is not opened until Open.
func NewUDPSender(conf SenderConfig) *UDPSender {
	if conf.SendTimeout <= 0 {
		conf.SendTimeout = DefaultSendTimeout
	}
	if conf.Logger == nil {
		conf.Logger = zap.NewNop()
	}
	if conf.Listen == nil {
		conf.Listen = listenUDP
	}
	return &UDPSender{conf: conf, log: conf.Logger}
}

func listenUDP(ctx context.Context) (PacketConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// Open creates the socket. Opening an already open sender is a no-op.
func (s *UDPSender) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	conn, err := s.conf.Listen(ctx)
	if err != nil {
		return &TransportError{Op: "open", Err: err}
	}

	if s.conf.QoS {
		if err := applyQoS(conn); err != nil {
			s.log.Warn("network QoS request failed", zap.Error(err))
		}
	}

	s.conn = conn
	s.log.Debug("udp socket opened", zap.Stringer("local", conn.LocalAddr()))
	return nil
}

func applyQoS(conn PacketConn) error {
	nc, ok := conn.(net.Conn)
	if !ok {
		return errors.New("socket does not support TOS")
	}
	return ipv4.NewConn(nc).SetTOS(tosExpedited)
}

// Send writes one packet to dest. The write is bounded by the send timeout
// so a blocked socket cannot stall the caller for more than one frame.
func (s *UDPSender) Send(dest *net.UDPAddr, packet []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return &TransportError{Op: "send", Err: ErrSenderClosed}
	}

	if err := conn.SetWriteDeadline(time.Now().Add(s.conf.SendTimeout)); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	if _, err := conn.WriteToUDP(packet, dest); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// LocalAddr returns the bound socket address, or nil when closed.
func (s *UDPSender) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Close releases the socket. It is safe to call more than once.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.log.Debug("udp socket closed")
	return conn.Close()
}

// ResolveDestination turns host and port into a UDP address.
func ResolveDestination(ctx context.Context, host string, port int) (*net.UDPAddr, error) {
	if host == "" {
		return nil, &TransportError{Op: "resolve", Err: ErrEmptyHost}
	}
	if port <= 0 || port > 65535 {
		return nil, &TransportError{Op: "resolve", Err: fmt.Errorf("invalid port %d", port)}
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, &TransportError{Op: "resolve", Err: err}
	}
	if len(addrs) == 0 {
		return nil, &TransportError{Op: "resolve", Err: fmt.Errorf("no address for %s", net.JoinHostPort(host, strconv.Itoa(port)))}
	}

	// Prefer IPv4, matching the unconnected ":0" socket on dual-stack hosts.
	addr := addrs[0]
	for _, a := range addrs {
		if a.Unmap().Is4() {
			addr = a
			break
		}
	}
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr.Unmap(), uint16(port))), nil //nolint:gosec // port range checked above
}
