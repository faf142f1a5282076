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

package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultSampleRate is the capture rate in Hz.
	DefaultSampleRate = 16000

	// DefaultFrameMillis is the duration of one captured frame.
	DefaultFrameMillis = 20

	bytesPerSample = 2 // signed 16-bit mono
)

// ErrInvalidFormat is returned for non-positive rates or frame durations.
var ErrInvalidFormat = errors.New("invalid capture format")

// CaptureError reports a capture failure. Transient errors come from a
// single read and never end a stream.
type CaptureError struct {
	Op        string // "init", "open", "start" or "read"
	Err       error
	Transient bool
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// FrameSize returns the number of samples and bytes in one frame.
func FrameSize(sampleRate, frameMillis int) (samples, size int) {
	samples = sampleRate * frameMillis / 1000
	return samples, samples * bytesPerSample
}

// CaptureHandle is one running microphone stream. It is owned by a single
// goroutine between Start and Stop.
type CaptureHandle struct {
	SampleRate    int
	FrameSamples  int
	FrameBytes    int
	FrameDuration time.Duration

	stream   CaptureStream
	effects  []Effect
	stopOnce sync.Once
}

// Effects returns the effects the platform accepted for this stream.
func (h *CaptureHandle) Effects() []Effect {
	return append([]Effect(nil), h.effects...)
}

// NewFrameBuffer allocates a buffer sized for exactly one frame.
func (h *CaptureHandle) NewFrameBuffer() []byte {
	return make([]byte, h.FrameBytes)
}

// CaptureEngine acquires fixed-duration PCM frames from a CaptureBackend.
type CaptureEngine struct {
	backend CaptureBackend
	log     *zap.Logger
}

// NewCaptureEngine creates an engine on top of backend.
func NewCaptureEngine(backend CaptureBackend, logger *zap.Logger) *CaptureEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaptureEngine{backend: backend, log: logger}
}

// Start opens and starts a mono 16-bit capture stream. Echo cancellation,
// noise suppression and gain control are requested on the way; any of them
// failing is logged and ignored.
func (e *CaptureEngine) Start(sampleRate, frameMillis int) (*CaptureHandle, error) {
	samples, size := FrameSize(sampleRate, frameMillis)
	if sampleRate <= 0 || frameMillis <= 0 || samples <= 0 {
		return nil, &CaptureError{Op: "open", Err: fmt.Errorf("%w: %d Hz, %d ms", ErrInvalidFormat, sampleRate, frameMillis)}
	}

	if err := e.backend.Initialize(); err != nil {
		return nil, &CaptureError{Op: "init", Err: err}
	}

	stream, err := e.backend.OpenCapture(CaptureParams{
		SampleRate:   sampleRate,
		Channels:     1,
		FrameSamples: samples,
	})
	if err != nil {
		return nil, &CaptureError{Op: "open", Err: err}
	}

	h := &CaptureHandle{
		SampleRate:    sampleRate,
		FrameSamples:  samples,
		FrameBytes:    size,
		FrameDuration: time.Duration(frameMillis) * time.Millisecond,
		stream:        stream,
	}

	for _, effect := range DefaultEffects {
		if err := stream.EnableEffect(effect); err != nil {
			e.log.Debug("audio effect unavailable", zap.Stringer("effect", effect), zap.Error(err))
			continue
		}
		h.effects = append(h.effects, effect)
	}

	if err := stream.Start(); err != nil {
		if cerr := stream.Close(); cerr != nil {
			e.log.Warn("failed to close capture stream", zap.Error(cerr))
		}
		return nil, &CaptureError{Op: "start", Err: err}
	}

	e.log.Info("capture started",
		zap.Int("sample_rate", sampleRate),
		zap.Int("frame_samples", samples),
		zap.Int("effects", len(h.effects)))
	return h, nil
}

// ReadFrame reads one frame into buf, which must hold at least FrameBytes.
// A return of zero bytes with a nil error means nothing was available and
// the caller should simply try again.
func (e *CaptureEngine) ReadFrame(h *CaptureHandle, buf []byte) (int, error) {
	if len(buf) > h.FrameBytes {
		buf = buf[:h.FrameBytes]
	}
	n, err := h.stream.Read(buf)
	if err != nil {
		return 0, &CaptureError{Op: "read", Err: err, Transient: !errors.Is(err, ErrStreamClosed)}
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// Stop attempts a graceful stop and then releases the stream regardless of
// the outcome. Only the first call has any effect.
func (e *CaptureEngine) Stop(h *CaptureHandle) {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		if err := h.stream.Stop(); err != nil {
			e.log.Warn("failed to stop capture stream", zap.Error(err))
		}
		if err := h.stream.Close(); err != nil {
			e.log.Warn("failed to close capture stream", zap.Error(err))
		}
		e.log.Info("capture stopped")
	})
}

// Shutdown terminates the backend.
func (e *CaptureEngine) Shutdown() error {
	return e.backend.Terminate()
}
