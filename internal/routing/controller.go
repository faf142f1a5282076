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

package routing

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// State is the routing state machine position.
type State int

const (
	// Idle means no voice-communication playback is active.
	Idle State = iota
	// CommActive means another app is playing voice-communication audio.
	CommActive
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CommActive:
		return "comm-active"
	default:
		return "unknown"
	}
}

// Usage is the declared purpose of a playback stream.
type Usage string

const (
	UsageUnknown            Usage = "unknown"
	UsageMedia              Usage = "media"
	UsageVoiceCommunication Usage = "voice_communication"
	UsageAlarm              Usage = "alarm"
	UsageNotification       Usage = "notification"
)

// PlaybackConfig describes one playback stream on the device.
type PlaybackConfig struct {
	Active bool  `json:"active"`
	Usage  Usage `json:"usage"`
}

// PlaybackEvent is a snapshot of every playback stream, delivered whenever
// the set changes.
type PlaybackEvent struct {
	Configs []PlaybackConfig `json:"configs"`
}

// CommActive reports whether any active stream is voice communication.
func (e PlaybackEvent) CommActive() bool {
	for _, c := range e.Configs {
		if c.Active && c.Usage == UsageVoiceCommunication {
			return true
		}
	}
	return false
}

// Controller tracks concurrent voice-communication playback and keeps
// audio routed to the speaker while it is active.
type Controller struct {
	router Router
	log    *zap.Logger

	active atomic.Bool

	// mu serializes transitions and listener registration
	mu        sync.Mutex
	listeners []func(State)
}

// NewController creates a controller in the Idle state.
func NewController(router Router, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{router: router, log: logger}
}

// OnChange registers fn to be called after every transition. Listeners run
// on the notifying goroutine.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State returns the current state.
func (c *Controller) State() State {
	if c.active.Load() {
		return CommActive
	}
	return Idle
}

// CommActive reports whether the controller is in CommActive.
func (c *Controller) CommActive() bool {
	return c.active.Load()
}

// HandlePlaybackChange applies one playback snapshot and reports whether it
// caused a transition. Repeating the current state does nothing.
func (c *Controller) HandlePlaybackChange(configs []PlaybackConfig) bool {
	active := PlaybackEvent{Configs: configs}.CommActive()

	c.mu.Lock()
	if c.active.Load() == active {
		c.mu.Unlock()
		return false
	}
	c.active.Store(active)
	state := c.State()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	c.log.Info("routing state changed", zap.Stringer("state", state))

	if state == CommActive {
		if err := RouteToSpeaker(c.router, c.log); err != nil {
			c.log.Warn("failed to route communication audio to speaker", zap.Error(err))
		}
	}

	for _, fn := range listeners {
		fn(state)
	}
	return true
}

// Run applies events until ctx is done or events is closed.
func (c *Controller) Run(ctx context.Context, events <-chan PlaybackEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.HandlePlaybackChange(ev.Configs)
		}
	}
}
