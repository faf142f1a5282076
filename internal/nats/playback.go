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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-micstream/internal/routing"
)

// PlaybackSubscriber turns playback-activity notifications published by the
// host into routing events.
type PlaybackSubscriber struct {
	conn     Connection
	subject  string
	log      *zap.Logger
	events   chan routing.PlaybackEvent
	capacity int

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewPlaybackSubscriber creates a subscriber whose event channel buffers
// up to capacity snapshots.
func NewPlaybackSubscriber(conn Connection, subjects Subjects, capacity int, logger *zap.Logger) *PlaybackSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &PlaybackSubscriber{
		conn:     conn,
		subject:  subjects.Playback(),
		log:      logger,
		events:   make(chan routing.PlaybackEvent, capacity),
		capacity: capacity,
	}
}

// Events returns the channel routing events are delivered on.
func (p *PlaybackSubscriber) Events() <-chan routing.PlaybackEvent {
	return p.events
}

// Start begins listening for playback notifications
func (p *PlaybackSubscriber) Start() error {
	sub, err := p.conn.Subscribe(p.subject, p.handlePlaybackMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.subject, err)
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	p.log.Info("subscribed to playback notifications", zap.String("subject", p.subject))
	return nil
}

// handlePlaybackMessage queues one snapshot. Each snapshot describes the full
// playback state, so when the queue is full the oldest one is dropped.
func (p *PlaybackSubscriber) handlePlaybackMessage(msg *nats.Msg) {
	var ev routing.PlaybackEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		p.log.Warn("failed to unmarshal playback notification", zap.Error(err))
		return
	}

	for {
		select {
		case p.events <- ev:
			return
		default:
		}
		select {
		case <-p.events:
			p.log.Debug("playback queue full, dropping oldest snapshot")
		default:
		}
	}
}

// Close unsubscribes
func (p *PlaybackSubscriber) Close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()
	unsubscribeAll(subs, p.log)
}

// StatusPublisher publishes status text for the host to render.
type StatusPublisher struct {
	conn    Connection
	subject string
	log     *zap.Logger
}

func NewStatusPublisher(conn Connection, subjects Subjects, logger *zap.Logger) *StatusPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusPublisher{conn: conn, subject: subjects.Status(), log: logger}
}

// PublishStatus sends status; failures are logged and otherwise ignored.
func (s *StatusPublisher) PublishStatus(status string) {
	if err := s.conn.Publish(s.subject, []byte(status)); err != nil {
		s.log.Warn("failed to publish status", zap.String("status", status), zap.Error(err))
	}
}
