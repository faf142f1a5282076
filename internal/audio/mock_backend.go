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
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// MockRead is one scripted result returned by MockStream.Read. A nil Data
// with a nil Err simulates an empty read.
type MockRead struct {
	Data []byte
	Err  error
}

// MockAudioBackend implements CaptureBackend for testing without hardware dependencies
type MockAudioBackend struct {
	mu                 sync.Mutex
	initialized        bool
	initCalls          int
	streams            []*MockStream
	initError          error
	terminateError     error
	openError          error
	startError         error
	effectErrors       map[Effect]error
	simulateRealTiming bool
	script             []MockRead
	scripted           bool
}

// NewMockAudioBackend creates a new mock audio backend
func NewMockAudioBackend() *MockAudioBackend {
	return &MockAudioBackend{
		effectErrors:       make(map[Effect]error),
		simulateRealTiming: true,
	}
}

// SetInitError configures the backend to return an error on Initialize()
func (m *MockAudioBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initError = err
}

// SetOpenError configures the backend to return an error on OpenCapture()
func (m *MockAudioBackend) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openError = err
}

// SetTerminateError configures the backend to return an error on Terminate()
func (m *MockAudioBackend) SetTerminateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateError = err
}

// SetStartError makes Start fail on streams opened afterwards
func (m *MockAudioBackend) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetEffectError makes EnableEffect fail for one effect
func (m *MockAudioBackend) SetEffectError(effect Effect, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.effectErrors[effect] = err
}

// SetSimulateRealTiming controls whether reads take one frame duration
func (m *MockAudioBackend) SetSimulateRealTiming(simulate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulateRealTiming = simulate
}

// SetReadScript makes streams opened afterwards return the given reads in
// order and then report empty reads forever.
func (m *MockAudioBackend) SetReadScript(reads ...MockRead) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append([]MockRead(nil), reads...)
	m.scripted = true
}

// Streams returns every stream opened so far
func (m *MockAudioBackend) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockStream(nil), m.streams...)
}

// LastStream returns the most recently opened stream, or nil
func (m *MockAudioBackend) LastStream() *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// InitCount returns how many times Initialize succeeded
func (m *MockAudioBackend) InitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

// Initialize initializes the mock audio subsystem
func (m *MockAudioBackend) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initError != nil {
		return m.initError
	}

	if !m.initialized {
		m.initCalls++
	}
	m.initialized = true
	return nil
}

// Terminate terminates the mock audio subsystem
func (m *MockAudioBackend) Terminate() error {
	m.mu.Lock()
	if m.terminateError != nil {
		m.mu.Unlock()
		return m.terminateError
	}
	streams := append([]*MockStream(nil), m.streams...)
	m.mu.Unlock()

	// Stream locks are taken without holding the backend lock
	for _, stream := range streams {
		_ = stream.Stop()
		_ = stream.Close()
	}

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return nil
}

// OpenCapture creates a mock capture stream
func (m *MockAudioBackend) OpenCapture(params CaptureParams) (CaptureStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("mock audio backend not initialized")
	}

	if m.openError != nil {
		return nil, m.openError
	}

	effectErrors := make(map[Effect]error, len(m.effectErrors))
	for k, v := range m.effectErrors {
		effectErrors[k] = v
	}

	stream := &MockStream{
		id:                 len(m.streams),
		params:             params,
		open:               true,
		startError:         m.startError,
		effectErrors:       effectErrors,
		simulateRealTiming: m.simulateRealTiming,
		script:             append([]MockRead(nil), m.script...),
		scripted:           m.scripted,
	}

	m.streams = append(m.streams, stream)
	return stream, nil
}

// MockStream implements CaptureStream for testing
type MockStream struct {
	mu                 sync.Mutex
	id                 int
	params             CaptureParams
	open               bool
	active             bool
	simulateRealTiming bool
	startError         error
	stopError          error
	readError          error
	effectErrors       map[Effect]error
	requested          []Effect
	enabled            []Effect
	script             []MockRead
	scripted           bool
	reads              int
	phase              float64
	startCalls         int
	stopCalls          int
	closeCalls         int
}

// SetReadError makes every following Read fail until cleared with nil
func (m *MockStream) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readError = err
}

// SetStopError configures the stream to return an error on Stop()
func (m *MockStream) SetStopError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopError = err
}

// Params returns the format the stream was opened with
func (m *MockStream) Params() CaptureParams {
	return m.params
}

// Start starts the mock stream
func (m *MockStream) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.startCalls++
	if m.startError != nil {
		return m.startError
	}
	if !m.open {
		return ErrStreamClosed
	}
	if m.active {
		return fmt.Errorf("stream already active")
	}

	m.active = true
	return nil
}

// Stop stops the mock stream
func (m *MockStream) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopCalls++
	if m.stopError != nil {
		return m.stopError
	}
	m.active = false
	return nil
}

// Close closes the mock stream
func (m *MockStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeCalls++
	m.open = false
	m.active = false
	return nil
}

// Read returns the next scripted read, or a 440 Hz tone when unscripted
func (m *MockStream) Read(buf []byte) (int, error) {
	m.mu.Lock()

	if !m.open {
		m.mu.Unlock()
		return 0, ErrStreamClosed
	}
	if m.readError != nil {
		err := m.readError
		m.mu.Unlock()
		m.pace(false)
		return 0, err
	}

	m.reads++
	var (
		n   int
		err error
	)
	switch {
	case len(m.script) > 0:
		r := m.script[0]
		m.script = m.script[1:]
		n = copy(buf, r.Data)
		err = r.Err
	case m.scripted:
		// script exhausted: the device has nothing more to say
	default:
		n = m.fillTone(buf)
	}
	m.mu.Unlock()

	m.pace(n == 0)
	return n, err
}

// pace simulates the blocking time of a device read
func (m *MockStream) pace(idle bool) {
	if m.simulateRealTiming && m.params.SampleRate > 0 {
		time.Sleep(time.Duration(m.params.FrameSamples) * time.Second / time.Duration(m.params.SampleRate))
		return
	}
	if idle {
		time.Sleep(time.Millisecond)
	}
}

func (m *MockStream) fillTone(buf []byte) int {
	rate := float64(m.params.SampleRate)
	if rate <= 0 {
		rate = 16000
	}
	n := 0
	for n+2 <= len(buf) && n/2 < m.params.FrameSamples {
		v := int16(0.1 * math.MaxInt16 * math.Sin(m.phase))
		binary.LittleEndian.PutUint16(buf[n:], uint16(v)) //nolint:gosec // two's complement bit pattern is intended
		m.phase += 2 * math.Pi * 440 / rate
		n += 2
	}
	return n
}

// EnableEffect records the request and fails if configured to
func (m *MockStream) EnableEffect(effect Effect) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requested = append(m.requested, effect)
	if err := m.effectErrors[effect]; err != nil {
		return err
	}
	m.enabled = append(m.enabled, effect)
	return nil
}

// IsActive returns true if the mock stream is active
func (m *MockStream) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// RequestedEffects returns every effect EnableEffect was called with
func (m *MockStream) RequestedEffects() []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Effect(nil), m.requested...)
}

// EnabledEffects returns the effects that were enabled successfully
func (m *MockStream) EnabledEffects() []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Effect(nil), m.enabled...)
}

// Reads returns how many reads produced a result (errors excluded)
func (m *MockStream) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// StopCalls returns how many times Stop was called
func (m *MockStream) StopCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalls
}

// CloseCalls returns how many times Close was called
func (m *MockStream) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// IsOpen reports whether Close has not been called yet
func (m *MockStream) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}
