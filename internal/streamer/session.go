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
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-micstream/internal/audio"
	"github.com/loqalabs/loqa-micstream/internal/transport"
)

var errTooManyReadErrors = errors.New("too many consecutive capture errors")

// Session is one start-to-stop streaming run.
type Session struct {
	Host        string
	Port        int
	Dest        *net.UDPAddr
	SampleRate  int
	FrameMillis int
	StartedAt   time.Time

	// seq is owned by the capture loop
	seq  uint32
	sent atomic.Uint32

	capture  *audio.CaptureHandle
	heldWake bool
	cancel   context.CancelFunc
	done     chan struct{}

	errMu sync.Mutex
	err   error
}

// Sent returns how many packets were handed to the sender.
func (s *Session) Sent() uint32 {
	return s.sent.Load()
}

// Done is closed once the capture loop has released its resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the capture loop ended, or nil for a requested stop.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) finish(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	close(s.done)
}

// captureLoop reads, frames and sends until ctx is cancelled or capture
// fails for good. The microphone is always stopped and released on return.
func (m *Manager) captureLoop(ctx context.Context, s *Session) error {
	defer m.engine.Stop(s.capture)

	buf := s.capture.NewFrameBuffer()
	packet := make([]byte, 0, transport.HeaderSize+len(buf))
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := m.engine.ReadFrame(s.capture, buf)
		if err != nil {
			m.monitor.CaptureError()
			var cerr *audio.CaptureError
			if errors.As(err, &cerr) && !cerr.Transient {
				return err
			}
			failures++
			if failures >= m.conf.MaxReadErrors {
				return fmt.Errorf("%w (%d): %w", errTooManyReadErrors, failures, err)
			}
			m.log.Debug("capture read failed", zap.Error(err), zap.Int("consecutive", failures))
			continue
		}
		failures = 0

		if n <= 0 {
			m.monitor.CaptureSkip()
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		packet = transport.AppendEncode(packet[:0], s.seq, m.conf.Now().UnixMilli(), buf[:n])
		s.seq++

		if err := m.sender.Send(s.Dest, packet); err != nil {
			m.monitor.SendError()
			m.log.Debug("send failed", zap.Uint32("seq", s.seq-1), zap.Error(err))
			continue
		}
		s.sent.Add(1)
		m.monitor.PacketSent(len(packet))
	}
}
