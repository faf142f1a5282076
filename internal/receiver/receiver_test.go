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

package receiver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-micstream/internal/transport"
)

type memSink struct {
	mu     sync.Mutex
	pcm    []byte
	writes int
}

func (m *memSink) WritePCM(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pcm = append(m.pcm, pcm...)
	m.writes++
	return nil
}

func (m *memSink) Close() error { return nil }

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pcm)
}

func TestReceiver_Handle(t *testing.T) {
	sink := &memSink{}
	r := New(Config{}, sink, nil)

	payload := make([]byte, 640)
	require.NoError(t, r.handle(transport.Encode(0, 1000, payload)))
	require.NoError(t, r.handle(transport.Encode(1, 1020, payload)))
	require.NoError(t, r.handle([]byte{0x56, 0x4d}))
	require.NoError(t, r.handle(append([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, payload...)))
	require.NoError(t, r.handle(transport.Encode(5, 1100, payload[:100])))

	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.Packets)
	assert.Equal(t, uint64(1380), stats.Bytes)
	assert.Equal(t, uint64(2), stats.Dropped, "short and foreign datagrams are dropped")
	assert.Equal(t, uint64(1), stats.SeqJumps)
	assert.Equal(t, int32(5), stats.LastSeq)
	assert.Equal(t, 1380, sink.len())
}

func TestReceiver_SequenceWrapIsNotAJump(t *testing.T) {
	r := New(Config{}, &memSink{}, nil)

	require.NoError(t, r.handle(transport.Encode(1<<31-1, 0, []byte{1, 2})))
	require.NoError(t, r.handle(transport.Encode(1<<31, 20, []byte{1, 2})))

	stats := r.Stats()
	assert.Zero(t, stats.SeqJumps)
	assert.Equal(t, int32(0), stats.LastSeq)
}

func TestReceiver_Report(t *testing.T) {
	r := New(Config{}, &memSink{}, nil)
	start := time.Now()
	r.windowStart = start

	require.NoError(t, r.handle(transport.Encode(0, 0, make([]byte, 640))))
	r.report(start.Add(time.Second))

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Zero(t, r.windowBytes, "window restarts after a report")
	assert.Equal(t, start.Add(time.Second), r.windowStart)
}

func TestReceiver_RunLoopback(t *testing.T) {
	sink := &memSink{}
	r := New(Config{Listen: "127.0.0.1:0", ReportInterval: 10 * time.Millisecond}, sink, nil)
	require.NoError(t, r.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	conn, err := net.DialUDP("udp", nil, r.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	for seq := uint32(0); seq < 3; seq++ {
		_, err := conn.Write(transport.Encode(seq, time.Now().UnixMilli(), make([]byte, 640)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return r.Stats().Packets == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3*640, sink.len())
	assert.Zero(t, r.Stats().SeqJumps)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
