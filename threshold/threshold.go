// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package threshold halts an acquisition when the amplitude of a monitored
// channel rises sharply.
//
// AutoThreshold keeps a sliding window over the amplitudes of one channel.
// Each time a new amplitude slides into a full window, the maximum of the
// window is compared to the maximum of the previous window: when it rose
// by more than the threshold, the acquisition is toggled off.
package threshold // import "github.com/go-lpc/ndt/threshold"

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/stream"
)

// DefaultThreshold is the default rise of the windowed maximum, in volts,
// that halts the acquisition.
const DefaultThreshold = 1.0

// Controller controls the state of an acquisition.
type Controller interface {
	AcquisitionInProgress(ctx context.Context) (bool, error)
	ToggleAcquisition(ctx context.Context) error
}

// Event describes the rise that halted an acquisition.
type Event struct {
	Index    uint64  // hardware sample index of the triggering frame
	Previous float64 // maximum of the previous window
	Current  float64 // maximum of the current window
}

// Delta returns the rise of the windowed maximum.
func (evt Event) Delta() float64 { return evt.Current - evt.Previous }

type Option func(*AutoThreshold)

// WithThreshold sets the rise of the windowed maximum that halts the
// acquisition.
func WithThreshold(v float64) Option {
	return func(at *AutoThreshold) {
		at.thresh = v
	}
}

func WithLogger(msg *log.Logger) Option {
	return func(at *AutoThreshold) {
		at.msg = msg
	}
}

// WithTrigger registers a function called once, when the acquisition
// is halted.
func WithTrigger(f func(Event)) Option {
	return func(at *AutoThreshold) {
		at.fire = f
	}
}

// AutoThreshold halts an acquisition when the windowed maximum of a
// channel rises by more than a threshold.
type AutoThreshold struct {
	ctl    Controller
	ch     acq.Channel
	thresh float64
	msg    *log.Logger
	fire   func(Event)

	mu   sync.Mutex
	win  *Window
	old  float64 // maximum of the previous window
	stop bool
	done chan struct{}
}

// New returns an AutoThreshold monitoring ch over a window of size samples.
func New(ctl Controller, ch acq.Channel, size int, opts ...Option) *AutoThreshold {
	at := &AutoThreshold{
		ctl:    ctl,
		ch:     ch,
		thresh: DefaultThreshold,
		msg:    log.New(os.Stdout, "threshold: ", 0),
		win:    NewWindow(size),
		old:    math.Inf(-1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(at)
	}
	return at
}

// Channel returns the monitored channel.
func (at *AutoThreshold) Channel() acq.Channel { return at.ch }

// Triggered returns a channel closed once the acquisition has been halted.
func (at *AutoThreshold) Triggered() <-chan struct{} { return at.done }

// Stopped returns whether the acquisition has been halted.
func (at *AutoThreshold) Stopped() bool {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.stop
}

// Handle processes the amplitude of the monitored channel in f.
// Handle has the signature of a stream.Handler.
func (at *AutoThreshold) Handle(ctx context.Context, f stream.Frame) error {
	v, ok := f.Value(at.ch)
	if !ok {
		return nil
	}

	at.mu.Lock()
	defer at.mu.Unlock()

	if at.stop {
		return nil
	}

	if !at.win.Full() {
		if at.win.Len() == 0 {
			at.old = v
		}
		at.win.Push(v)
		at.old = math.Max(at.old, v)
		return nil
	}

	at.win.Push(v)
	cur := at.win.Max()
	if cur-at.old <= at.thresh {
		at.old = cur
		return nil
	}

	running, err := at.ctl.AcquisitionInProgress(ctx)
	if err != nil {
		return fmt.Errorf("threshold: could not query acquisition state: %w", err)
	}
	if !running {
		at.old = cur
		return nil
	}

	err = at.ctl.ToggleAcquisition(ctx)
	if err != nil {
		return fmt.Errorf("threshold: could not halt acquisition: %w", err)
	}

	evt := Event{Index: f.Index, Previous: at.old, Current: cur}
	at.stop = true
	close(at.done)
	at.msg.Printf(
		"data queue's max changed by more than %gV (%gV -> %gV) from the previous max; halting acquisition",
		at.thresh, evt.Previous, evt.Current,
	)
	if at.fire != nil {
		at.fire(evt)
	}
	return nil
}

var _ stream.Handler = (*AutoThreshold)(nil).Handle

// WindowSize returns the number of samples of a channel with the given
// sampling divider spanning secs seconds, at the hardware sampling rate
// (in Hz).
func WindowSize(rate float64, divider int, secs float64) int {
	if divider < 1 {
		divider = 1
	}
	n := int(rate / float64(divider) * secs)
	if n < 1 {
		n = 1
	}
	return n
}

// OutputSetter drives output channels.
type OutputSetter interface {
	SetOutputChannel(ctx context.Context, out acq.OutputChannel, v float64) error
}

// SetOutputAfter sets the output channel out to v volts after the given
// delay. It returns ctx.Err() without touching the output if ctx is done
// before the delay elapsed.
func SetOutputAfter(ctx context.Context, ctl OutputSetter, out acq.OutputChannel, v float64, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	err := ctl.SetOutputChannel(ctx, out, v)
	if err != nil {
		return fmt.Errorf("threshold: could not set %v to %gV: %w", out, v, err)
	}
	return nil
}
