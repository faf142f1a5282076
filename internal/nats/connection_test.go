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
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

// mockConnection delivers messages to handlers synchronously and records
// everything published
type mockConnection struct {
	mu          sync.RWMutex
	subscribers map[string][]nats.MsgHandler
	connected   bool
	errors      map[string]error
	publishErr  error
	published   []published
	responders  map[string]func(data []byte) (*nats.Msg, error)
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		subscribers: make(map[string][]nats.MsgHandler),
		connected:   true,
		errors:      make(map[string]error),
		responders:  make(map[string]func([]byte) (*nats.Msg, error)),
	}
}

func (m *mockConnection) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, nats.ErrConnectionClosed
	}
	if err, exists := m.errors[subject]; exists {
		return nil, err
	}
	m.subscribers[subject] = append(m.subscribers[subject], handler)

	// a nil subscription is safe to Unsubscribe
	return nil, nil
}

func (m *mockConnection) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, published{subject: subject, data: append([]byte(nil), data...)})
	return nil
}

func (m *mockConnection) Request(subject string, data []byte, _ time.Duration) (*nats.Msg, error) {
	m.mu.RLock()
	responder := m.responders[subject]
	m.mu.RUnlock()
	if responder == nil {
		return nil, nats.ErrNoResponders
	}
	return responder(data)
}

func (m *mockConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func (m *mockConnection) setResponder(subject string, fn func([]byte) (*nats.Msg, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responders[subject] = fn
}

func (m *mockConnection) setError(subject string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[subject] = err
}

// deliver hands a message to every handler of subject
func (m *mockConnection) deliver(subject, reply string, data []byte) {
	m.mu.RLock()
	handlers := append([]nats.MsgHandler(nil), m.subscribers[subject]...)
	m.mu.RUnlock()

	msg := &nats.Msg{Subject: subject, Reply: reply, Data: data}
	for _, handler := range handlers {
		handler(msg)
	}
}

func (m *mockConnection) publishedTo(subject string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out [][]byte
	for _, p := range m.published {
		if p.subject == subject {
			out = append(out, p.data)
		}
	}
	return out
}

func (m *mockConnection) subscribed(subject string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[subject]) > 0
}

func TestSubjects(t *testing.T) {
	s := NewSubjects("")
	assert.Equal(t, "micstream.playback", s.Playback())
	assert.Equal(t, "micstream.status", s.Status())

	s = NewSubjects("puck.kitchen")
	assert.Equal(t, "puck.kitchen.control.start", s.ControlStart())
	assert.Equal(t, "puck.kitchen.control.stop", s.ControlStop())
	assert.Equal(t, "puck.kitchen.control.status", s.ControlStatus())
	assert.Equal(t, "puck.kitchen.route.devices", s.RouteDevices())
	assert.Equal(t, "puck.kitchen.route.command", s.RouteCommand())
}

func TestConnect_Unreachable(t *testing.T) {
	start := time.Now()
	_, err := Connect(context.Background(), ConnectConfig{
		URL:        "nats://127.0.0.1:1",
		Attempts:   2,
		RetryDelay: 10 * time.Millisecond,
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnect_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Connect(ctx, ConnectConfig{URL: "nats://127.0.0.1:1", Attempts: 3, RetryDelay: time.Hour}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
