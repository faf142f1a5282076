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
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Connection is the subset of *nats.Conn the bridge uses, for dependency
// injection. *nats.Conn satisfies it directly.
type Connection interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
	Request(subject string, data []byte, timeout time.Duration) (*nats.Msg, error)
	Close()
}

// ConnectConfig controls how the bridge reaches the NATS server.
type ConnectConfig struct {
	URL        string
	Name       string
	Attempts   int
	RetryDelay time.Duration
}

// Connect dials NATS, retrying a few times before giving up. Once
// connected the client reconnects on its own indefinitely.
func Connect(ctx context.Context, conf ConnectConfig, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conf.URL == "" {
		conf.URL = nats.DefaultURL
	}
	if conf.Name == "" {
		conf.Name = "loqa-micstream"
	}
	if conf.Attempts <= 0 {
		conf.Attempts = 5
	}
	if conf.RetryDelay <= 0 {
		conf.RetryDelay = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name(conf.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	for i := 0; i < conf.Attempts; i++ {
		nc, err = nats.Connect(conf.URL, opts...)
		if err == nil {
			logger.Info("connected to NATS", zap.String("url", conf.URL))
			return nc, nil
		}
		logger.Warn("failed to connect to NATS",
			zap.Int("attempt", i+1),
			zap.Int("attempts", conf.Attempts),
			zap.Error(err))

		if i == conf.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(conf.RetryDelay):
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", conf.Attempts, err)
}

// Subjects derives every subject the bridge uses from one prefix.
type Subjects struct {
	prefix string
}

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "micstream"

func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return Subjects{prefix: prefix}
}

func (s Subjects) Playback() string      { return s.prefix + ".playback" }
func (s Subjects) Status() string        { return s.prefix + ".status" }
func (s Subjects) ControlStart() string  { return s.prefix + ".control.start" }
func (s Subjects) ControlStop() string   { return s.prefix + ".control.stop" }
func (s Subjects) ControlStatus() string { return s.prefix + ".control.status" }
func (s Subjects) RouteDevices() string  { return s.prefix + ".route.devices" }
func (s Subjects) RouteCommand() string  { return s.prefix + ".route.command" }

func unsubscribeAll(subs []*nats.Subscription, logger *zap.Logger) {
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Debug("unsubscribe failed", zap.Error(err))
		}
	}
}
