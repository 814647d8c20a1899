// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package recorder writes the samples of a single channel to disk, and
// reads them back.
//
// A recording is a raw sequence of little-endian IEEE-754 float64
// amplitudes, one per channel sample, without any header.
package recorder // import "github.com/go-lpc/ndt/recorder"

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/stream"
)

const sampleSize = 8

// FileName returns the path of the recording of ch in dir.
func FileName(dir, prefix string, ch acq.Channel) string {
	return filepath.Join(dir, fmt.Sprintf("%s%s-%d.bin", prefix, ch.Type, ch.Index))
}

// Recorder records the amplitudes of one channel.
type Recorder struct {
	ch    acq.Channel
	fname string

	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	buf [sampleSize]byte
	n   int64
	err error
}

// Create creates the file fname and returns a recorder for ch writing to it.
func Create(fname string, ch acq.Channel) (*Recorder, error) {
	f, err := os.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("recorder: could not create %q: %w", fname, err)
	}
	return &Recorder{
		ch:    ch,
		fname: fname,
		f:     f,
		w:     bufio.NewWriter(f),
	}, nil
}

// Channel returns the recorded channel.
func (rec *Recorder) Channel() acq.Channel { return rec.ch }

// Name returns the name of the underlying file.
func (rec *Recorder) Name() string { return rec.fname }

// Write records the amplitude of the recorder's channel in f, if present.
// Write has the signature of a stream.Handler.
func (rec *Recorder) Write(ctx context.Context, f stream.Frame) error {
	v, ok := f.Value(rec.ch)
	if !ok {
		return nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.err != nil {
		return rec.err
	}
	if rec.f == nil {
		return fmt.Errorf("recorder: %q already closed", rec.fname)
	}

	binary.LittleEndian.PutUint64(rec.buf[:], math.Float64bits(v))
	_, rec.err = rec.w.Write(rec.buf[:])
	if rec.err != nil {
		rec.err = fmt.Errorf("recorder: could not write sample %d of %v: %w", rec.n, rec.ch, rec.err)
		return rec.err
	}
	rec.n++
	return nil
}

// Samples returns the number of samples recorded so far.
func (rec *Recorder) Samples() int64 {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.n
}

// Close flushes and closes the recording.
func (rec *Recorder) Close() error {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.f == nil {
		return rec.err
	}
	defer func() { rec.f = nil }()

	err := rec.w.Flush()
	if err != nil {
		_ = rec.f.Close()
		return fmt.Errorf("recorder: could not flush %q: %w", rec.fname, err)
	}

	err = rec.f.Close()
	if err != nil {
		return fmt.Errorf("recorder: could not close %q: %w", rec.fname, err)
	}
	return rec.err
}

var _ stream.Handler = (*Recorder)(nil).Write
