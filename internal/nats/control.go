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
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SessionController is the command surface the control server drives.
type SessionController interface {
	StartSession(ctx context.Context, host string, port int) error
	StopSession()
	Status() string
}

// StartRequest is the payload of a start command.
type StartRequest struct {
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
}

// ControlReply answers every control request.
type ControlReply struct {
	OK     bool   `json:"ok"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ControlServer exposes start, stop and status as NATS request/reply.
type ControlServer struct {
	conn         Connection
	subjects     Subjects
	sessions     SessionController
	startTimeout time.Duration
	log          *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewControlServer(conn Connection, subjects Subjects, sessions SessionController, logger *zap.Logger) *ControlServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlServer{
		conn:         conn,
		subjects:     subjects,
		sessions:     sessions,
		startTimeout: 5 * time.Second,
		log:          logger,
	}
}

// Start subscribes to the control subjects.
func (c *ControlServer) Start() error {
	handlers := map[string]nats.MsgHandler{
		c.subjects.ControlStart():  c.handleStart,
		c.subjects.ControlStop():   c.handleStop,
		c.subjects.ControlStatus(): c.handleStatus,
	}

	for subject, handler := range handlers {
		sub, err := c.conn.Subscribe(subject, handler)
		if err != nil {
			c.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}

	c.log.Info("control server listening", zap.String("start", c.subjects.ControlStart()))
	return nil
}

func (c *ControlServer) handleStart(msg *nats.Msg) {
	var req StartRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.reply(msg, fmt.Errorf("invalid start request: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.startTimeout)
	defer cancel()

	err := c.sessions.StartSession(ctx, req.Host, req.Port)
	if err != nil {
		c.log.Warn("start command failed", zap.String("host", req.Host), zap.Int("port", req.Port), zap.Error(err))
	}
	c.reply(msg, err)
}

func (c *ControlServer) handleStop(msg *nats.Msg) {
	c.sessions.StopSession()
	c.reply(msg, nil)
}

func (c *ControlServer) handleStatus(msg *nats.Msg) {
	c.reply(msg, nil)
}

func (c *ControlServer) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}

	r := ControlReply{OK: err == nil, Status: c.sessions.Status()}
	if err != nil {
		r.Error = err.Error()
	}
	data, mErr := json.Marshal(r)
	if mErr != nil {
		c.log.Error("failed to marshal control reply", zap.Error(mErr))
		return
	}
	if pErr := c.conn.Publish(msg.Reply, data); pErr != nil {
		c.log.Warn("failed to send control reply", zap.Error(pErr))
	}
}

// Close unsubscribes from the control subjects.
func (c *ControlServer) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	unsubscribeAll(subs, c.log)
}
