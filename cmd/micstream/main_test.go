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

package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-micstream/internal/transport"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MICSTREAM_CONFIG", "")
	t.Setenv("MICSTREAM_HOST", "")
	t.Setenv("MICSTREAM_NATS_URL", "")
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	cmd := newCommand()
	cmd.Writer = &out

	require.NoError(t, cmd.Run(context.Background(), []string{"micstream", "--help"}))
	for _, name := range []string{"stream", "serve", "receive", "--config"} {
		assert.Contains(t, out.String(), name)
	}
}

func TestStream_EmptyHost(t *testing.T) {
	clearEnv(t)

	err := newCommand().Run(context.Background(), []string{"micstream", "--log-level", "error", "stream", "--test-tone"})
	assert.ErrorIs(t, err, transport.ErrEmptyHost)
}

func TestStream_InvalidConfig(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stream:\n  port: -1\n"), 0o600))

	err := newCommand().Run(context.Background(), []string{"micstream", "--config", path, "stream", "--test-tone"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream.port")
}

func TestStream_ToLoopback(t *testing.T) {
	clearEnv(t)

	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	err = newCommand().Run(context.Background(), []string{
		"micstream", "--log-level", "error",
		"stream", "--test-tone", "--host", "127.0.0.1", "--port", strconv.Itoa(port), "--duration", "200ms",
	})
	require.NoError(t, err)

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 2048)
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, 652, n)

	h, _, err := transport.DecodePacket(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, int32(0), h.Sequence)
}

func TestReceive(t *testing.T) {
	clearEnv(t)

	port := freeUDPPort(t)
	out := filepath.Join(t.TempDir(), "capture.wav")

	done := make(chan error, 1)
	go func() {
		done <- newCommand().Run(context.Background(), []string{
			"micstream", "--log-level", "error",
			"receive", "--listen", fmt.Sprintf("127.0.0.1:%d", port), "--out", out, "--duration", "500ms",
		})
	}()

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer conn.Close()

	// the receiver may not be bound yet, so keep sending for a while
	for seq := uint32(0); seq < 10; seq++ {
		_, _ = conn.Write(transport.Encode(seq, time.Now().UnixMilli(), make([]byte, 640)))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("receive did not stop after its duration")
	}

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(44), "recording holds audio")
}
