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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-micstream/internal/routing"
)

// DefaultRouteTimeout bounds a device listing request.
const DefaultRouteTimeout = 500 * time.Millisecond

// Route command names understood by the host device bridge.
const (
	CommandSetCommunicationDevice = "set_communication_device"
	CommandSetMode                = "set_mode"
	CommandSetSpeakerphone        = "set_speakerphone"
)

// RouteCommand is published to the device bridge.
type RouteCommand struct {
	Command string          `json:"command"`
	Device  *routing.Device `json:"device,omitempty"`
	Mode    routing.Mode    `json:"mode,omitempty"`
	On      *bool           `json:"on,omitempty"`
}

// DeviceList is the bridge's answer to a device listing request.
type DeviceList struct {
	Supported bool             `json:"supported"`
	Devices   []routing.Device `json:"devices"`
}

// RouteCommander implements routing.Router by talking to a device bridge
// over NATS. Without a responding bridge, device selection is reported as
// unsupported so the caller falls back to mode commands.
type RouteCommander struct {
	conn     Connection
	subjects Subjects
	timeout  time.Duration
	log      *zap.Logger
}

func NewRouteCommander(conn Connection, subjects Subjects, timeout time.Duration, logger *zap.Logger) *RouteCommander {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultRouteTimeout
	}
	return &RouteCommander{conn: conn, subjects: subjects, timeout: timeout, log: logger}
}

func (r *RouteCommander) CommunicationDevices() ([]routing.Device, error) {
	msg, err := r.conn.Request(r.subjects.RouteDevices(), nil, r.timeout)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("%w: %v", routing.ErrDeviceSelectionUnsupported, err)
		}
		return nil, fmt.Errorf("device listing failed: %w", err)
	}

	var list DeviceList
	if err := json.Unmarshal(msg.Data, &list); err != nil {
		return nil, fmt.Errorf("invalid device list: %w", err)
	}
	if !list.Supported {
		return nil, routing.ErrDeviceSelectionUnsupported
	}
	return list.Devices, nil
}

func (r *RouteCommander) SetCommunicationDevice(device routing.Device) error {
	return r.send(RouteCommand{Command: CommandSetCommunicationDevice, Device: &device})
}

func (r *RouteCommander) SetMode(mode routing.Mode) error {
	return r.send(RouteCommand{Command: CommandSetMode, Mode: mode})
}

func (r *RouteCommander) SetSpeakerphoneOn(on bool) error {
	return r.send(RouteCommand{Command: CommandSetSpeakerphone, On: &on})
}

func (r *RouteCommander) send(cmd RouteCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := r.conn.Publish(r.subjects.RouteCommand(), data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", cmd.Command, err)
	}
	r.log.Debug("route command sent", zap.String("command", cmd.Command))
	return nil
}
