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

// Package power provides a bounded hold that keeps background streaming
// alive, released either explicitly or when its maximum duration elapses.
package power

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxHold bounds a hold when no limit is configured.
const DefaultMaxHold = time.Hour

// WakeHold is a reusable, bounded keep-awake resource. Acquire and Release
// are safe for concurrent use.
type WakeHold struct {
	mu        sync.Mutex
	log       *zap.Logger
	onExpire  func()
	held      bool
	timer     *time.Timer
	gen       uint64
	acquireAt time.Time
	acquires  int
	releases  int
}

// NewWakeHold creates an unheld wake-hold. onExpire, when non-nil, runs on
// its own goroutine if a hold reaches its maximum duration.
func NewWakeHold(logger *zap.Logger, onExpire func()) *WakeHold {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WakeHold{log: logger, onExpire: onExpire}
}

// Acquire takes the hold for at most limit. It reports false when the hold was
// already held, in which case nothing changes.
func (w *WakeHold) Acquire(limit time.Duration) bool {
	if limit <= 0 {
		limit = DefaultMaxHold
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.held {
		return false
	}
	w.held = true
	w.acquires++
	w.gen++
	w.acquireAt = time.Now()

	gen := w.gen
	w.timer = time.AfterFunc(limit, func() { w.expire(gen) })

	w.log.Debug("wake hold acquired", zap.Duration("max", limit))
	return true
}

// Release drops the hold. Releasing an unheld hold is a no-op and reports
// false.
func (w *WakeHold) Release() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.held {
		return false
	}
	w.releaseLocked()
	w.log.Debug("wake hold released", zap.Duration("held_for", time.Since(w.acquireAt)))
	return true
}

// Held reports whether the hold is currently taken.
func (w *WakeHold) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.held
}

// Counts returns how many times the hold was acquired and released,
// expirations included.
func (w *WakeHold) Counts() (acquires, releases int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acquires, w.releases
}

func (w *WakeHold) releaseLocked() {
	w.held = false
	w.releases++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *WakeHold) expire(gen uint64) {
	w.mu.Lock()
	// a timer from an earlier hold may fire after Release and Acquire
	if !w.held || w.gen != gen {
		w.mu.Unlock()
		return
	}
	w.releaseLocked()
	w.mu.Unlock()

	w.log.Warn("wake hold expired")
	if w.onExpire != nil {
		w.onExpire()
	}
}
