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

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-micstream/internal/audio"
	"github.com/loqalabs/loqa-micstream/internal/config"
	"github.com/loqalabs/loqa-micstream/internal/logging"
	"github.com/loqalabs/loqa-micstream/internal/metrics"
	bridge "github.com/loqalabs/loqa-micstream/internal/nats"
	"github.com/loqalabs/loqa-micstream/internal/receiver"
	"github.com/loqalabs/loqa-micstream/internal/streamer"
	"github.com/loqalabs/loqa-micstream/internal/transport"
)

// loadConfig reads the config file, if any, and applies command line
// overrides on top.
func loadConfig(c *cli.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
		config.ApplyEnv(cfg, os.LookupEnv)
	}

	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("dev") {
		cfg.Logging.Development = c.Bool("dev")
	}
	if c.IsSet("host") {
		cfg.Stream.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Stream.Port = int(c.Int("port"))
	}
	if c.IsSet("nats-url") {
		cfg.NATS.URL = c.String("nats-url")
	}
	if c.IsSet("subject-prefix") {
		cfg.NATS.SubjectPrefix = c.String("subject-prefix")
	}
	if c.IsSet("listen") {
		cfg.Receiver.Listen = c.String("listen")
	}
	if c.IsSet("out") {
		cfg.Receiver.Output = c.String("out")
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT, SIGTERM or after d when d > 0.
func signalContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	if d <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, func() {
		cancel()
		stop()
	}
}

// app is the wiring shared by stream and serve.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	monitor  *metrics.Monitor
	manager  *streamer.Manager

	conn     bridge.Connection
	playback *bridge.PlaybackSubscriber
	control  *bridge.ControlServer
}

func newApp(ctx context.Context, c *cli.Command, cfg *config.Config, withNATS bool) (*app, error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: logger, registry: prometheus.NewRegistry()}
	metrics.RegisterRuntime(a.registry)
	a.monitor = metrics.NewMonitor(a.registry)

	var backend audio.CaptureBackend = audio.NewPortAudioBackend()
	if c.Bool("test-tone") {
		backend = audio.NewMockAudioBackend()
	}

	opts := streamer.Options{
		Backend: backend,
		Sender: transport.NewUDPSender(transport.SenderConfig{
			SendTimeout: cfg.Stream.SendTimeout,
			QoS:         cfg.Stream.QoS,
			Logger:      logger.Named("transport"),
		}),
		Monitor: a.monitor,
		Logger:  logger,
	}

	if withNATS {
		nc, err := bridge.Connect(ctx, bridge.ConnectConfig{URL: cfg.NATS.URL}, logger.Named("nats"))
		if err != nil {
			return nil, err
		}
		a.conn = nc
		subjects := bridge.NewSubjects(cfg.NATS.SubjectPrefix)
		opts.Router = bridge.NewRouteCommander(nc, subjects, 0, logger.Named("router"))
		opts.Sink = bridge.NewStatusPublisher(nc, subjects, logger.Named("status"))
		a.playback = bridge.NewPlaybackSubscriber(nc, subjects, 16, logger.Named("playback"))
	}

	a.manager = streamer.NewManager(streamer.Config{
		SampleRate:  cfg.Stream.SampleRate,
		FrameMillis: cfg.Stream.FrameMillis,
		WakeHoldMax: cfg.Power.WakeHoldMax,
	}, opts)

	if a.conn != nil {
		a.control = bridge.NewControlServer(a.conn, bridge.NewSubjects(cfg.NATS.SubjectPrefix), a.manager, logger.Named("control"))
	}
	return a, nil
}

// run serves metrics and playback notifications until ctx is done. When
// untilSessionEnds is set it also returns once the running session ends,
// with the reason the capture loop stopped.
func (a *app) run(ctx context.Context, untilSessionEnds bool) error {
	if a.playback != nil {
		if err := a.playback.Start(); err != nil {
			return err
		}
	}
	if a.control != nil {
		if err := a.control.Start(); err != nil {
			return err
		}
	}

	var (
		session *streamer.Session
		done    <-chan struct{}
	)
	if untilSessionEnds {
		session = a.manager.Session()
	}
	if session != nil {
		done = session.Done()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, addr, a.registry, a.log.Named("metrics"))
		})
	}

	if a.playback != nil {
		g.Go(func() error {
			err := a.manager.Routing().Run(ctx, a.playback.Events())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		defer cancel()
		select {
		case <-ctx.Done():
			a.manager.StopSession()
			return nil
		case <-done:
			return session.Err()
		}
	})

	return g.Wait()
}

func (a *app) close() {
	if a.control != nil {
		a.control.Close()
	}
	if a.playback != nil {
		a.playback.Close()
	}
	if err := a.manager.Close(); err != nil {
		a.log.Warn("failed to shut down audio", zap.Error(err))
	}
	a.monitor.Stop()
	if a.conn != nil {
		a.conn.Close()
	}
	_ = a.log.Sync()
}

func runStream(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(ctx, c.Duration("duration"))
	defer cancel()

	a, err := newApp(ctx, c, cfg, cfg.NATS.Enabled)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.manager.StartSession(ctx, cfg.Stream.Host, cfg.Stream.Port); err != nil {
		return err
	}

	return a.run(ctx, true)
}

func runServe(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.NATS.Enabled = true

	ctx, cancel := signalContext(ctx, 0)
	defer cancel()

	a, err := newApp(ctx, c, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Stream.Host != "" {
		if err := a.manager.StartSession(ctx, cfg.Stream.Host, cfg.Stream.Port); err != nil {
			a.log.Warn("initial session failed to start", zap.Error(err))
		}
	}

	return a.run(ctx, false)
}

func runReceive(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext(ctx, c.Duration("duration"))
	defer cancel()

	sink, err := receiver.NewWAVSink(cfg.Receiver.Output, cfg.Stream.SampleRate)
	if err != nil {
		return err
	}

	r := receiver.New(receiver.Config{
		Listen:         cfg.Receiver.Listen,
		ReportInterval: cfg.Receiver.ReportInterval,
	}, sink, logger.Named("receiver"))

	runErr := r.Run(ctx)
	closeErr := sink.Close()

	stats := r.Stats()
	logger.Info("saved recording",
		zap.String("path", cfg.Receiver.Output),
		zap.Uint64("packets", stats.Packets),
		zap.Uint64("seq_jumps", stats.SeqJumps),
		zap.Uint64("dropped", stats.Dropped))

	return errors.Join(runErr, closeErr)
}
