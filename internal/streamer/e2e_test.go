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

package streamer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-micstream/internal/audio"
	"github.com/loqalabs/loqa-micstream/internal/transport"
)

// TestEndToEndLoopback streams five scripted frames through a real UDP
// socket to a loopback listener.
func TestEndToEndLoopback(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	// reads pace at one frame each, so the wall clock advances between packets
	backend := audio.NewMockAudioBackend()
	var reads []audio.MockRead
	for i := 0; i < 5; i++ {
		reads = append(reads, audio.MockRead{Data: frame(byte(i + 1))})
	}
	backend.SetReadScript(reads...)

	sender := transport.NewUDPSender(transport.SenderConfig{SendTimeout: 100 * time.Millisecond})
	status := &statusRecorder{}
	m := NewManager(Config{}, Options{
		Backend: backend,
		Sender:  sender,
		Sink:    status,
	})
	defer m.Close()

	require.NoError(t, m.StartSession(context.Background(), "127.0.0.1", port))

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 2048)
	var headers []*transport.Header
	for i := 0; i < 5; i++ {
		n, _, err := listener.ReadFromUDP(buf)
		require.NoError(t, err)
		assert.Equal(t, 652, n)

		h, payload, err := transport.DecodePacket(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, transport.PacketMagic, h.Magic)
		assert.Equal(t, frame(byte(i+1)), payload)
		headers = append(headers, h)
	}

	for i, h := range headers {
		assert.Equal(t, int32(i), h.Sequence)
		if i > 0 {
			assert.Greater(t, h.Timestamp, headers[i-1].Timestamp, "timestamps strictly increase")
		}
	}

	m.StopSession()
	assert.Nil(t, sender.LocalAddr(), "socket closed on stop")
	assert.Equal(t, []string{"streaming, comm-active=false", "idle"}, status.get())
}
