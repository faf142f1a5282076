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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records writes and can be told to fail them.
type fakeConn struct {
	mu        sync.Mutex
	writes    [][]byte
	writeErr  error
	closed    int
	deadlines int
}

func (f *fakeConn) WriteToUDP(b []byte, _ *net.UDPAddr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlines++
	return nil
}

func (f *fakeConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestUDPSender_SendOverLoopback(t *testing.T) {
	receiver := listenLoopback(t)

	sender := NewUDPSender(SenderConfig{QoS: true})
	require.NoError(t, sender.Open(context.Background()))
	defer sender.Close()
	require.NotNil(t, sender.LocalAddr())

	packet := Encode(0, 1000, []byte{1, 2, 3, 4})
	require.NoError(t, sender.Send(receiver.LocalAddr().(*net.UDPAddr), packet))

	buf := make([]byte, 1500)
	require.NoError(t, receiver.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := receiver.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, packet, buf[:n])
}

func TestUDPSender_OpenIsIdempotent(t *testing.T) {
	opens := 0
	conn := &fakeConn{}
	sender := NewUDPSender(SenderConfig{Listen: func(context.Context) (PacketConn, error) {
		opens++
		return conn, nil
	}})

	require.NoError(t, sender.Open(context.Background()))
	require.NoError(t, sender.Open(context.Background()))
	assert.Equal(t, 1, opens)
}

func TestUDPSender_OpenFailure(t *testing.T) {
	sender := NewUDPSender(SenderConfig{Listen: func(context.Context) (PacketConn, error) {
		return nil, errors.New("no sockets left")
	}})

	err := sender.Open(context.Background())
	require.Error(t, err)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "open", terr.Op)
	assert.Contains(t, err.Error(), "no sockets left")
}

func TestUDPSender_SendBeforeOpen(t *testing.T) {
	sender := NewUDPSender(SenderConfig{})
	err := sender.Send(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5002}, []byte("x"))
	require.ErrorIs(t, err, ErrSenderClosed)
}

func TestUDPSender_SendFailureIsReported(t *testing.T) {
	conn := &fakeConn{writeErr: errors.New("network is unreachable")}
	sender := NewUDPSender(SenderConfig{Listen: func(context.Context) (PacketConn, error) { return conn, nil }})
	require.NoError(t, sender.Open(context.Background()))

	dest := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5002}
	err := sender.Send(dest, []byte("frame"))

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "send", terr.Op)

	// The socket stays usable after a failed send.
	conn.mu.Lock()
	conn.writeErr = nil
	conn.mu.Unlock()
	require.NoError(t, sender.Send(dest, []byte("next")))
	assert.Len(t, conn.writes, 1)
	assert.Equal(t, 2, conn.deadlines, "every send must be bounded by a deadline")
}

func TestUDPSender_CloseIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	sender := NewUDPSender(SenderConfig{Listen: func(context.Context) (PacketConn, error) { return conn, nil }})
	require.NoError(t, sender.Open(context.Background()))

	require.NoError(t, sender.Close())
	require.NoError(t, sender.Close())
	assert.Equal(t, 1, conn.closed)
	assert.Nil(t, sender.LocalAddr())

	err := sender.Send(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5002}, []byte("x"))
	assert.ErrorIs(t, err, ErrSenderClosed)
}

func TestUDPSender_SendTimeoutDefault(t *testing.T) {
	sender := NewUDPSender(SenderConfig{})
	assert.Equal(t, DefaultSendTimeout, sender.conf.SendTimeout)
}

func TestResolveDestination(t *testing.T) {
	ctx := context.Background()

	addr, err := ResolveDestination(ctx, "127.0.0.1", 6000)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6000", addr.String())

	_, err = ResolveDestination(ctx, "", 5002)
	assert.ErrorIs(t, err, ErrEmptyHost)

	for _, port := range []int{0, -1, 70000} {
		_, err = ResolveDestination(ctx, "127.0.0.1", port)
		assert.Error(t, err, "port %d", port)
	}
}
