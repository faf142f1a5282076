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
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrDeviceSelectionUnsupported is returned by routers on platforms that
	// cannot pick a communication device explicitly.
	ErrDeviceSelectionUnsupported = errors.New("communication device selection not supported")

	// ErrNoSpeakerDevice means no built-in speaker was offered for
	// communication audio. It is handled by the mode fallback.
	ErrNoSpeakerDevice = errors.New("no built-in speaker device")
)

// DeviceType identifies the kind of an output device.
type DeviceType string

const (
	DeviceBuiltinSpeaker  DeviceType = "builtin_speaker"
	DeviceBuiltinEarpiece DeviceType = "builtin_earpiece"
	DeviceWiredHeadset    DeviceType = "wired_headset"
	DeviceBluetoothSCO    DeviceType = "bluetooth_sco"
)

// Device is an output the host can route communication audio to.
type Device struct {
	ID   int        `json:"id"`
	Type DeviceType `json:"type"`
	Name string     `json:"name,omitempty"`
}

// Mode is the host audio mode.
type Mode string

const (
	ModeNormal          Mode = "normal"
	ModeInCommunication Mode = "in_communication"
	ModeInCall          Mode = "in_call"
)

// Router drives the host audio routing.
type Router interface {
	// CommunicationDevices lists the devices available for communication
	// audio, or ErrDeviceSelectionUnsupported.
	CommunicationDevices() ([]Device, error)
	SetCommunicationDevice(device Device) error
	SetMode(mode Mode) error
	SetSpeakerphoneOn(on bool) error
}

// RouteToSpeaker sends communication audio to the built-in speaker. The
// speaker is selected explicitly when the router supports it; otherwise the
// host is put in communication mode with the speakerphone forced on. An
// error is returned only when the fallback failed as well.
func RouteToSpeaker(router Router, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	err := selectSpeaker(router)
	if err == nil {
		logger.Debug("communication device set to built-in speaker")
		return nil
	}
	if errors.Is(err, ErrDeviceSelectionUnsupported) {
		logger.Debug("device selection unsupported, using speakerphone fallback")
	} else {
		logger.Info("speaker selection failed, using speakerphone fallback", zap.Error(err))
	}

	var errs []error
	if err := router.SetMode(ModeInCommunication); err != nil {
		errs = append(errs, fmt.Errorf("set mode: %w", err))
	}
	if err := router.SetSpeakerphoneOn(true); err != nil {
		errs = append(errs, fmt.Errorf("set speakerphone: %w", err))
	}
	return errors.Join(errs...)
}

func selectSpeaker(router Router) error {
	devices, err := router.CommunicationDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.Type == DeviceBuiltinSpeaker {
			return router.SetCommunicationDevice(d)
		}
	}
	return ErrNoSpeakerDevice
}

// LogRouter is used when no device bridge is available. It cannot select
// devices, so RouteToSpeaker always takes the fallback path, and it only
// records and logs what was asked of it.
type LogRouter struct {
	mu           sync.Mutex
	log          *zap.Logger
	mode         Mode
	speakerphone bool
}

// NewLogRouter creates a router that only logs.
func NewLogRouter(logger *zap.Logger) *LogRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRouter{log: logger, mode: ModeNormal}
}

func (r *LogRouter) CommunicationDevices() ([]Device, error) {
	return nil, ErrDeviceSelectionUnsupported
}

func (r *LogRouter) SetCommunicationDevice(Device) error {
	return ErrDeviceSelectionUnsupported
}

func (r *LogRouter) SetMode(mode Mode) error {
	r.mu.Lock()
	r.mode = mode
	r.mu.Unlock()
	r.log.Info("audio mode requested", zap.String("mode", string(mode)))
	return nil
}

func (r *LogRouter) SetSpeakerphoneOn(on bool) error {
	r.mu.Lock()
	r.speakerphone = on
	r.mu.Unlock()
	r.log.Info("speakerphone requested", zap.Bool("on", on))
	return nil
}

// Mode returns the last requested mode.
func (r *LogRouter) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// SpeakerphoneOn returns the last requested speakerphone state.
func (r *LogRouter) SpeakerphoneOn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speakerphone
}
