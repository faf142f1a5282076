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

import "errors"

// CaptureBackend provides an abstraction layer over the platform capture API.
// This enables dependency injection and makes testing hardware-independent.
type CaptureBackend interface {
	// Initialize the audio subsystem. Calling it twice is safe.
	Initialize() error

	// Terminate the audio subsystem
	Terminate() error

	// OpenCapture opens a microphone stream for the given format.
	OpenCapture(params CaptureParams) (CaptureStream, error)
}

// CaptureStream abstracts one open microphone stream.
type CaptureStream interface {
	// Start the audio stream
	Start() error

	// Stop the audio stream
	Stop() error

	// Close the audio stream and release resources
	Close() error

	// Read blocks for at most one frame duration and fills buf with
	// little-endian signed 16-bit samples. It returns the number of bytes
	// written; zero means no data was available.
	Read(buf []byte) (int, error)

	// EnableEffect asks the platform to apply a processing effect to the
	// captured signal.
	EnableEffect(effect Effect) error

	// IsActive returns true if the stream is currently started
	IsActive() bool
}

// CaptureParams holds parameters for stream creation
type CaptureParams struct {
	SampleRate   int
	Channels     int
	FrameSamples int
}

// Effect is a platform-provided capture processing stage.
type Effect int

const (
	EffectEchoCanceler Effect = iota
	EffectNoiseSuppressor
	EffectGainControl
)

// DefaultEffects lists the effects requested for every capture stream.
var DefaultEffects = []Effect{EffectEchoCanceler, EffectNoiseSuppressor, EffectGainControl}

func (e Effect) String() string {
	switch e {
	case EffectEchoCanceler:
		return "echo-canceler"
	case EffectNoiseSuppressor:
		return "noise-suppressor"
	case EffectGainControl:
		return "gain-control"
	default:
		return "unknown"
	}
}

var (
	// ErrDeviceUnavailable means no usable capture device could be opened.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrPermissionDenied means the host refused microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrEffectUnsupported is returned by backends without platform effects.
	ErrEffectUnsupported = errors.New("audio effect not supported")

	// ErrStreamClosed is returned when reading from a closed stream.
	ErrStreamClosed = errors.New("capture stream closed")
)
