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
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioBackend implements CaptureBackend using the real PortAudio library
type PortAudioBackend struct {
	mu          sync.Mutex
	initialized bool
}

// NewPortAudioBackend creates a new PortAudio backend
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{}
}

// Initialize initializes the PortAudio subsystem
func (p *PortAudioBackend) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	p.initialized = true
	return nil
}

// Terminate terminates the PortAudio subsystem
func (p *PortAudioBackend) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}

	err := portaudio.Terminate()
	p.initialized = false
	return err
}

// OpenCapture opens the default input device as a blocking 16-bit stream
// whose buffer holds exactly one frame.
func (p *PortAudioBackend) OpenCapture(params CaptureParams) (CaptureStream, error) {
	p.mu.Lock()
	initialized := p.initialized
	p.mu.Unlock()

	if !initialized {
		return nil, fmt.Errorf("PortAudio not initialized")
	}

	channels := params.Channels
	if channels <= 0 {
		channels = 1
	}

	if _, err := portaudio.DefaultInputDevice(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	buffer := make([]int16, params.FrameSamples*channels)
	stream, err := portaudio.OpenDefaultStream(
		channels, // input channels
		0,        // output channels (none for capture)
		float64(params.SampleRate),
		params.FrameSamples,
		buffer,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open input stream: %v", ErrDeviceUnavailable, err)
	}

	return &PortAudioStream{
		stream: stream,
		buffer: buffer,
	}, nil
}

// PortAudioStream implements CaptureStream using a PortAudio stream
type PortAudioStream struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buffer []int16
	active bool
	closed bool
}

// Start starts the audio stream
func (p *PortAudioStream) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrStreamClosed
	}
	if err := p.stream.Start(); err != nil {
		return err
	}
	p.active = true
	return nil
}

// Stop stops the audio stream
func (p *PortAudioStream) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active || p.closed {
		return nil
	}
	p.active = false
	return p.stream.Stop()
}

// Close closes the audio stream
func (p *PortAudioStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.active = false
	return p.stream.Close()
}

// Read reads one frame from the input stream. An input overflow only means
// older samples were dropped; the buffer itself is valid and is returned.
func (p *PortAudioStream) Read(buf []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return 0, ErrStreamClosed
	}

	if err := p.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return 0, err
	}

	n := 0
	for _, sample := range p.buffer {
		if n+2 > len(buf) {
			break
		}
		binary.LittleEndian.PutUint16(buf[n:], uint16(sample)) //nolint:gosec // two's complement bit pattern is intended
		n += 2
	}
	return n, nil
}

// EnableEffect is unsupported: PortAudio exposes no platform AEC, NS or AGC.
func (p *PortAudioStream) EnableEffect(effect Effect) error {
	return fmt.Errorf("%w: %s", ErrEffectUnsupported, effect)
}

// IsActive returns true if the stream has been started and not stopped
func (p *PortAudioStream) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
