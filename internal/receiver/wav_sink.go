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

package receiver

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/youpy/go-wav"
)

// PCMSink consumes raw little-endian 16-bit mono PCM.
type PCMSink interface {
	WritePCM(pcm []byte) error
	Close() error
}

// WAVSink records PCM into a WAV file. The WAV header carries the sample
// count, so audio is spooled next to the output and the file is written on
// Close.
type WAVSink struct {
	path       string
	sampleRate int

	mu      sync.Mutex
	spool   *os.File
	spooled int64
	closed  bool
}

// NewWAVSink creates a sink that writes a mono 16-bit WAV file at path.
func NewWAVSink(path string, sampleRate int) (*WAVSink, error) {
	spool, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.pcm")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	return &WAVSink{path: path, sampleRate: sampleRate, spool: spool}, nil
}

// WritePCM appends pcm to the recording.
func (s *WAVSink) WritePCM(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return os.ErrClosed
	}
	n, err := s.spool.Write(pcm)
	s.spooled += int64(n)
	return err
}

// Samples returns how many whole samples were recorded so far.
func (s *WAVSink) Samples() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spooled / 2
}

// Close writes the WAV file and removes the spool.
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	defer os.Remove(s.spool.Name())
	defer s.spool.Close()

	if _, err := s.spool.Seek(0, io.SeekStart); err != nil {
		return err
	}

	out, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", s.path, err)
	}

	numSamples := uint32(s.spooled / 2) //nolint:gosec // a WAV data chunk cannot exceed 4 GiB anyway
	bw := bufio.NewWriter(out)
	w := wav.NewWriter(bw, numSamples, 1, uint32(s.sampleRate), 16) //nolint:gosec // sample rate is validated by config

	werr := copySamples(w, bufio.NewReader(s.spool), numSamples)
	if werr == nil {
		werr = bw.Flush()
	}
	return errors.Join(werr, out.Close())
}

func copySamples(w *wav.Writer, r io.Reader, numSamples uint32) error {
	const chunk = 1024
	raw := make([]byte, chunk*2)
	samples := make([]wav.Sample, 0, chunk)

	for remaining := numSamples; remaining > 0; {
		n := min(remaining, chunk)
		if _, err := io.ReadFull(r, raw[:n*2]); err != nil {
			return fmt.Errorf("failed to read spool: %w", err)
		}
		samples = samples[:0]
		for i := uint32(0); i < n; i++ {
			v := int16(binary.LittleEndian.Uint16(raw[i*2:])) //nolint:gosec // reinterpreting PCM bits
			samples = append(samples, wav.Sample{Values: [2]int{int(v)}})
		}
		if err := w.WriteSamples(samples); err != nil {
			return fmt.Errorf("failed to write samples: %w", err)
		}
		remaining -= n
	}
	return nil
}
