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

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	namespace = "loqa"
	subsystem = "micstream"
)

// Durations are in seconds
var sessionBuckets = []float64{1, 10, 60, 5 * 60, 15 * 60, 30 * 60, 3600}

// Monitor holds the streaming metrics. A nil *Monitor is valid and records
// nothing.
type Monitor struct {
	packetsSent      prometheus.Counter
	bytesSent        prometheus.Counter
	sendErrors       prometheus.Counter
	captureSkips     prometheus.Counter
	captureErrors    prometheus.Counter
	routeTransitions *prometheus.CounterVec
	sessionActive    prometheus.Gauge
	commActive       prometheus.Gauge
	sessionDuration  prometheus.Histogram

	reg     prometheus.Registerer
	metrics []prometheus.Collector
}

func mustRegister[T prometheus.Collector](m *Monitor, c T) T {
	err := m.reg.Register(c)
	if err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			return e.ExistingCollector.(T)
		}
		panic(err)
	}
	m.metrics = append(m.metrics, c)
	return c
}

// NewMonitor registers the streaming metrics on reg, or on the default
// registry when reg is nil.
func NewMonitor(reg prometheus.Registerer) *Monitor {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Monitor{reg: reg}

	m.packetsSent = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "packets_sent_total",
		Help:      "Number of audio packets handed to the network",
	}))
	m.bytesSent = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "bytes_sent_total",
		Help:      "Number of packet bytes handed to the network, headers included",
	}))
	m.sendErrors = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "send_errors_total",
		Help:      "Number of packets that failed to send",
	}))
	m.captureSkips = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "capture_skips_total",
		Help:      "Number of capture reads that returned no data",
	}))
	m.captureErrors = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "capture_errors_total",
		Help:      "Number of capture reads that failed",
	}))
	m.routeTransitions = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "route_transitions_total",
		Help:      "Number of routing state transitions by target state",
	}, []string{"state"}))
	m.sessionActive = mustRegister(m, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "session_active",
		Help:      "1 while a streaming session is running",
	}))
	m.commActive = mustRegister(m, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "comm_active",
		Help:      "1 while voice-communication playback is active on the device",
	}))
	m.sessionDuration = mustRegister(m, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "session_duration_seconds",
		Help:      "Duration of streaming sessions",
		Buckets:   sessionBuckets,
	}))

	return m
}

// RegisterRuntime adds the Go runtime and process collectors to reg.
func RegisterRuntime(reg prometheus.Registerer) {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func (m *Monitor) PacketSent(size int) {
	if m == nil {
		return
	}
	m.packetsSent.Inc()
	m.bytesSent.Add(float64(size))
}

func (m *Monitor) SendError() {
	if m == nil {
		return
	}
	m.sendErrors.Inc()
}

func (m *Monitor) CaptureSkip() {
	if m == nil {
		return
	}
	m.captureSkips.Inc()
}

func (m *Monitor) CaptureError() {
	if m == nil {
		return
	}
	m.captureErrors.Inc()
}

// RouteTransition counts a transition into state and updates comm_active.
func (m *Monitor) RouteTransition(state string, commActive bool) {
	if m == nil {
		return
	}
	m.routeTransitions.WithLabelValues(state).Inc()
	if commActive {
		m.commActive.Set(1)
	} else {
		m.commActive.Set(0)
	}
}

func (m *Monitor) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionActive.Set(1)
}

func (m *Monitor) SessionEnded(d time.Duration) {
	if m == nil {
		return
	}
	m.sessionActive.Set(0)
	m.sessionDuration.Observe(d.Seconds())
}

// Stop unregisters every metric registered by NewMonitor.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	for _, c := range m.metrics {
		m.reg.Unregister(c)
	}
	m.metrics = nil
}

// Serve exposes g on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
