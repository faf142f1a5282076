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

// Package streamer runs microphone streaming sessions: one capture loop per
// session that frames audio and sends it to a UDP destination, plus the
// wake-hold, routing and status bookkeeping around it.
package streamer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-micstream/internal/audio"
	"github.com/loqalabs/loqa-micstream/internal/metrics"
	"github.com/loqalabs/loqa-micstream/internal/power"
	"github.com/loqalabs/loqa-micstream/internal/routing"
	"github.com/loqalabs/loqa-micstream/internal/transport"
)

const (
	// DefaultPort is used when a session is started without a port.
	DefaultPort = 5002

	// DefaultMaxReadErrors ends a session after one second of failed
	// reads at the default frame duration.
	DefaultMaxReadErrors = 50

	// StatusIdle is reported while no session is running.
	StatusIdle = "idle"
)

// Sender is the outbound packet socket used by a session. It must accept
// Open again after Close and tolerate repeated Close calls.
type Sender interface {
	Open(ctx context.Context) error
	Send(dest *net.UDPAddr, packet []byte) error
	Close() error
}

// StatusSink receives status text whenever it changes.
type StatusSink interface {
	PublishStatus(status string)
}

// StatusFunc adapts a function to StatusSink.
type StatusFunc func(status string)

func (f StatusFunc) PublishStatus(status string) { f(status) }

// Config holds the session parameters.
type Config struct {
	SampleRate    int
	FrameMillis   int
	WakeHoldMax   time.Duration
	MaxReadErrors int

	// Now stamps outgoing packets. Defaults to time.Now.
	Now func() time.Time
}

// Options wires a Manager to its collaborators. Backend is required;
// everything else has a usable default.
type Options struct {
	Backend audio.CaptureBackend
	Sender  Sender
	Router  routing.Router
	Routing *routing.Controller
	Sink    StatusSink
	Monitor *metrics.Monitor
	Logger  *zap.Logger
}

// Manager starts and stops streaming sessions. At most one session runs at
// a time; all methods are safe for concurrent use.
type Manager struct {
	conf    Config
	engine  *audio.CaptureEngine
	sender  Sender
	router  routing.Router
	routing *routing.Controller
	hold    *power.WakeHold
	sink    StatusSink
	monitor *metrics.Monitor
	log     *zap.Logger

	// opMu serializes StartSession and StopSession
	opMu sync.Mutex

	mu      sync.Mutex
	session *Session

	statusMu   sync.Mutex
	lastStatus string
}

// NewManager creates an idle manager.
func NewManager(conf Config, opts Options) *Manager {
	if conf.SampleRate <= 0 {
		conf.SampleRate = audio.DefaultSampleRate
	}
	if conf.FrameMillis <= 0 {
		conf.FrameMillis = audio.DefaultFrameMillis
	}
	if conf.WakeHoldMax <= 0 {
		conf.WakeHoldMax = power.DefaultMaxHold
	}
	if conf.MaxReadErrors <= 0 {
		conf.MaxReadErrors = DefaultMaxReadErrors
	}
	if conf.Now == nil {
		conf.Now = time.Now
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	router := opts.Router
	if router == nil {
		router = routing.NewLogRouter(logger.Named("router"))
	}
	controller := opts.Routing
	if controller == nil {
		controller = routing.NewController(router, logger.Named("routing"))
	}
	sender := opts.Sender
	if sender == nil {
		sender = transport.NewUDPSender(transport.SenderConfig{Logger: logger.Named("transport")})
	}
	sink := opts.Sink
	if sink == nil {
		sink = StatusFunc(func(string) {})
	}

	m := &Manager{
		conf:       conf,
		engine:     audio.NewCaptureEngine(opts.Backend, logger.Named("capture")),
		sender:     sender,
		router:     router,
		routing:    controller,
		sink:       sink,
		monitor:    opts.Monitor,
		log:        logger,
		lastStatus: StatusIdle,
	}
	m.hold = power.NewWakeHold(logger.Named("power"), m.onWakeHoldExpired)

	controller.OnChange(func(state routing.State) {
		m.monitor.RouteTransition(state.String(), state == routing.CommActive)
		m.refreshStatus()
	})
	return m
}

// Routing returns the controller whose state is reported in the status.
func (m *Manager) Routing() *routing.Controller {
	return m.routing
}

// StartSession starts streaming to host:port. It is a no-op when a session
// is already running. An empty host leaves the manager idle and returns
// transport.ErrEmptyHost. A port of zero selects DefaultPort.
func (m *Manager) StartSession(ctx context.Context, host string, port int) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.Session() != nil {
		m.log.Debug("session already running, ignoring start")
		return nil
	}

	if host == "" {
		m.log.Info("not starting session without a host")
		return transport.ErrEmptyHost
	}
	if port == 0 {
		port = DefaultPort
	}

	dest, err := transport.ResolveDestination(ctx, host, port)
	if err != nil {
		return err
	}

	heldByUs := m.hold.Acquire(m.conf.WakeHoldMax)
	release := func() {
		if heldByUs {
			m.hold.Release()
		}
	}

	// capture implies the user wants audio on the speaker, whatever the
	// current communication state
	if err := routing.RouteToSpeaker(m.router, m.log); err != nil {
		m.log.Warn("failed to route audio to speaker", zap.Error(err))
	}

	if err := m.sender.Open(ctx); err != nil {
		release()
		return err
	}

	capture, err := m.engine.Start(m.conf.SampleRate, m.conf.FrameMillis)
	if err != nil {
		m.closeSender()
		release()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		Host:        host,
		Port:        port,
		Dest:        dest,
		SampleRate:  m.conf.SampleRate,
		FrameMillis: m.conf.FrameMillis,
		StartedAt:   time.Now(),
		capture:     capture,
		heldWake:    heldByUs,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	m.session = s
	m.mu.Unlock()

	m.monitor.SessionStarted()
	m.log.Info("session started",
		zap.Stringer("dest", dest),
		zap.Int("sample_rate", s.SampleRate),
		zap.Int("frame_ms", s.FrameMillis))

	go m.run(loopCtx, s)

	m.refreshStatus()
	return nil
}

// StopSession ends the running session and waits for its capture loop to
// release the microphone and socket. It does nothing when idle.
func (m *Manager) StopSession() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	s := m.Session()
	if s == nil {
		return
	}
	m.teardown(s)
}

// Status returns "idle" or "streaming, comm-active=<bool>".
func (m *Manager) Status() string {
	if m.Session() == nil {
		return StatusIdle
	}
	return fmt.Sprintf("streaming, comm-active=%t", m.routing.CommActive())
}

// Session returns the running session, or nil.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Running reports whether a session is active.
func (m *Manager) Running() bool {
	return m.Session() != nil
}

// Close stops any session and terminates the capture backend.
func (m *Manager) Close() error {
	m.StopSession()
	return m.engine.Shutdown()
}

// teardown must be called with opMu held.
func (m *Manager) teardown(s *Session) {
	s.cancel()
	<-s.done

	m.mu.Lock()
	if m.session == s {
		m.session = nil
	}
	m.mu.Unlock()

	m.closeSender()
	if s.heldWake {
		m.hold.Release()
	}
	m.monitor.SessionEnded(time.Since(s.StartedAt))

	m.log.Info("session stopped",
		zap.Uint32("packets", s.Sent()),
		zap.Error(s.Err()))

	m.refreshStatus()
}

func (m *Manager) closeSender() {
	if err := m.sender.Close(); err != nil {
		m.log.Warn("failed to close sender", zap.Error(err))
	}
}

// run drives one session's capture loop and cleans up if the loop ends
// without being asked to.
func (m *Manager) run(ctx context.Context, s *Session) {
	err := m.captureLoop(ctx, s)
	s.finish(err)

	if ctx.Err() != nil {
		return
	}

	m.log.Warn("capture loop ended unexpectedly", zap.Error(err))
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.Session() == s {
		m.teardown(s)
	}
}

func (m *Manager) onWakeHoldExpired() {
	m.log.Warn("wake hold reached its limit, stopping session")
	m.StopSession()
}

// refreshStatus publishes the status if it differs from the last one sent.
func (m *Manager) refreshStatus() {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	status := m.Status()
	if status == m.lastStatus {
		return
	}
	m.lastStatus = status
	m.log.Info("status", zap.String("status", status))
	m.sink.PublishStatus(status)
}
