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

package nats

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSessions is a SessionController that records calls
type fakeSessions struct {
	mu       sync.Mutex
	running  bool
	startErr error
	starts   []StartRequest
	stops    int
}

func (f *fakeSessions) StartSession(_ context.Context, host string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, StartRequest{Host: host, Port: port})
	if f.startErr != nil {
		return f.startErr
	}
	if host == "" {
		return errors.New("destination host is empty")
	}
	f.running = true
	return nil
}

func (f *fakeSessions) StopSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
}

func (f *fakeSessions) Status() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return "streaming, comm-active=false"
	}
	return "idle"
}

func lastReply(t *testing.T, conn *mockConnection, inbox string) ControlReply {
	t.Helper()
	replies := conn.publishedTo(inbox)
	require.NotEmpty(t, replies)
	var r ControlReply
	require.NoError(t, json.Unmarshal(replies[len(replies)-1], &r))
	return r
}

func TestControlServer(t *testing.T) {
	conn := newMockConnection()
	sessions := &fakeSessions{}
	server := NewControlServer(conn, NewSubjects("test"), sessions, nil)
	require.NoError(t, server.Start())
	defer server.Close()

	t.Run("status_when_idle", func(t *testing.T) {
		conn.deliver("test.control.status", "_INBOX.1", nil)
		r := lastReply(t, conn, "_INBOX.1")
		assert.True(t, r.OK)
		assert.Equal(t, "idle", r.Status)
	})

	t.Run("start", func(t *testing.T) {
		conn.deliver("test.control.start", "_INBOX.2", []byte(`{"host":"192.168.1.20","port":6000}`))
		r := lastReply(t, conn, "_INBOX.2")
		assert.True(t, r.OK)
		assert.Equal(t, "streaming, comm-active=false", r.Status)
		assert.Equal(t, StartRequest{Host: "192.168.1.20", Port: 6000}, sessions.starts[0])
	})

	t.Run("empty_host", func(t *testing.T) {
		sessions.StopSession()
		conn.deliver("test.control.start", "_INBOX.3", []byte(`{"host":""}`))
		r := lastReply(t, conn, "_INBOX.3")
		assert.False(t, r.OK)
		assert.Equal(t, "idle", r.Status)
		assert.Contains(t, r.Error, "host")
	})

	t.Run("invalid_request", func(t *testing.T) {
		starts := len(sessions.starts)
		conn.deliver("test.control.start", "_INBOX.4", []byte(`{`))
		r := lastReply(t, conn, "_INBOX.4")
		assert.False(t, r.OK)
		assert.Contains(t, r.Error, "invalid start request")
		assert.Len(t, sessions.starts, starts, "session not touched")
	})

	t.Run("stop", func(t *testing.T) {
		conn.deliver("test.control.start", "", []byte(`{"host":"10.0.0.2"}`))
		conn.deliver("test.control.stop", "_INBOX.5", nil)
		r := lastReply(t, conn, "_INBOX.5")
		assert.True(t, r.OK)
		assert.Equal(t, "idle", r.Status)
	})

	t.Run("no_reply_subject", func(t *testing.T) {
		before := len(conn.published)
		conn.deliver("test.control.status", "", nil)
		assert.Len(t, conn.published, before)
	})
}

func TestControlServer_SubscribeError(t *testing.T) {
	conn := newMockConnection()
	conn.setError("test.control.stop", errors.New("permission violation"))
	server := NewControlServer(conn, NewSubjects("test"), &fakeSessions{}, nil)

	err := server.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test.control.stop")
}
