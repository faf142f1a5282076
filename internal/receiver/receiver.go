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

// Package receiver listens for micstream packets and records them, logging
// sequence gaps and throughput. It is a diagnostic tool, not a player: no
// jitter buffering or reordering is done.
package receiver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-micstream/internal/transport"
)

const maxDatagram = 12000

// Config configures a Receiver.
type Config struct {
	Listen         string
	ReportInterval time.Duration
}

// Stats counts what the receiver has seen.
type Stats struct {
	Packets  uint64
	Bytes    uint64
	Dropped  uint64
	SeqJumps uint64
	LastSeq  int32
}

// Receiver binds a UDP socket and feeds valid packets to a sink.
type Receiver struct {
	conf Config
	sink PCMSink
	log  *zap.Logger
	conn *net.UDPConn

	mu          sync.Mutex
	stats       Stats
	haveSeq     bool
	windowBytes uint64
	windowStart time.Time
}

func New(conf Config, sink PCMSink, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conf.ReportInterval <= 0 {
		conf.ReportInterval = 5 * time.Second
	}
	return &Receiver{conf: conf, sink: sink, log: logger}
}

// Listen binds the socket.
func (r *Receiver) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", r.conf.Listen)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	r.conn = conn
	r.log.Info("listening", zap.Stringer("addr", conn.LocalAddr()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (r *Receiver) Addr() net.Addr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Run receives until ctx is done, then closes the socket. The sink is left
// open for the caller.
func (r *Receiver) Run(ctx context.Context) error {
	if r.conn == nil {
		if err := r.Listen(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.windowStart = time.Now()
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return r.conn.Close()
	})

	g.Go(func() error {
		buf := make([]byte, maxDatagram)
		for {
			n, _, err := r.conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			if err := r.handle(buf[:n]); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(r.conf.ReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				r.report(now)
			}
		}
	})

	return g.Wait()
}

func (r *Receiver) handle(data []byte) error {
	h, pcm, err := transport.DecodePacket(data)
	if err != nil {
		r.mu.Lock()
		r.stats.Dropped++
		r.mu.Unlock()
		r.log.Debug("dropping datagram", zap.Int("size", len(data)), zap.Error(err))
		return nil
	}

	if err := r.sink.WritePCM(pcm); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.haveSeq {
		if delta := transport.SequenceDelta(r.stats.LastSeq, h.Sequence); delta != 1 {
			r.stats.SeqJumps++
			r.log.Info("seq jump", zap.Int32("from", r.stats.LastSeq), zap.Int32("to", h.Sequence))
		}
	}
	r.haveSeq = true
	r.stats.LastSeq = h.Sequence
	r.stats.Packets++
	r.stats.Bytes += uint64(len(pcm))
	r.windowBytes += uint64(len(pcm))
	return nil
}

func (r *Receiver) report(now time.Time) {
	r.mu.Lock()
	elapsed := now.Sub(r.windowStart).Seconds()
	bytes := r.windowBytes
	r.windowBytes = 0
	r.windowStart = now
	r.mu.Unlock()

	if elapsed <= 0 {
		return
	}
	r.log.Info("rate", zap.Float64("kbps", float64(bytes)*8/1000/elapsed))
}

// Stats returns a snapshot of the counters.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
