// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package threshold

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/stream"
)

type fakeCtl struct {
	mu      sync.Mutex
	running bool
	toggles int
	err     error

	outs []float64
}

func (ctl *fakeCtl) AcquisitionInProgress(ctx context.Context) (bool, error) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.running, ctl.err
}

func (ctl *fakeCtl) ToggleAcquisition(ctx context.Context) error {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.running = !ctl.running
	ctl.toggles++
	return nil
}

func (ctl *fakeCtl) SetOutputChannel(ctx context.Context, out acq.OutputChannel, v float64) error {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.outs = append(ctl.outs, v)
	return ctl.err
}

var (
	a0 = acq.Channel{Type: acq.Analog, Index: 0}
	d0 = acq.Channel{Type: acq.Digital, Index: 0}
	a1 = acq.Channel{Type: acq.Analog, Index: 1}
)

func frames(vs ...float64) []stream.Frame {
	fs := make([]stream.Frame, len(vs))
	for i, v := range vs {
		fs[i] = stream.Frame{
			Index:    uint64(i),
			Values:   []float64{-v, v},
			Channels: []acq.Channel{a1, a0},
		}
	}
	return fs
}

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func TestAutoThreshold(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name    string
		running bool
		vs      []float64
		toggles int
		evt     *Event
	}{
		{
			name:    "trigger",
			running: true,
			vs:      []float64{0, 0.5, 0.2, 0.3, 2.0, 5, 10},
			toggles: 1,
			evt:     &Event{Index: 4, Previous: 0.5, Current: 2.0},
		},
		{
			name:    "slow-rise",
			running: true,
			vs:      []float64{0, 0.5, 1.0, 1.5, 2.0, 2.5, 3.0, 3.5},
		},
		{
			name:    "no-trigger-while-filling",
			running: true,
			vs:      []float64{0, 5, 10},
		},
		{
			name:    "not-running",
			running: false,
			vs:      []float64{0, 0, 0, 2, 2.5, 3.0},
		},
		{
			name:    "first-value-seeds-previous-max",
			running: true,
			vs:      []float64{-10, -10, -10, -9.5, -8},
			toggles: 1,
			evt:     &Event{Index: 4, Previous: -9.5, Current: -8},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var (
				ctl = &fakeCtl{running: tc.running}
				evt *Event
			)
			at := New(ctl, a0, 3,
				WithLogger(discard()),
				WithTrigger(func(e Event) { evt = &e }),
			)

			for _, f := range frames(tc.vs...) {
				err := at.Handle(ctx, f)
				if err != nil {
					t.Fatalf("could not handle frame %d: %+v", f.Index, err)
				}
			}

			if got, want := ctl.toggles, tc.toggles; got != want {
				t.Fatalf("invalid number of toggles: got=%d, want=%d", got, want)
			}

			switch {
			case tc.evt == nil && evt != nil:
				t.Fatalf("unexpected trigger: %+v", *evt)
			case tc.evt != nil && evt == nil:
				t.Fatalf("expected a trigger")
			case tc.evt != nil:
				if got, want := *evt, *tc.evt; got != want {
					t.Fatalf("invalid event:\ngot= %+v\nwant=%+v", got, want)
				}
			}

			triggered := false
			select {
			case <-at.Triggered():
				triggered = true
			default:
			}
			if got, want := triggered, tc.evt != nil; got != want {
				t.Fatalf("invalid triggered state: got=%v, want=%v", got, want)
			}
			if got, want := at.Stopped(), tc.evt != nil; got != want {
				t.Fatalf("invalid stopped state: got=%v, want=%v", got, want)
			}
		})
	}
}

func TestAutoThresholdIgnoresOtherChannels(t *testing.T) {
	ctx := context.Background()
	ctl := &fakeCtl{running: true}
	at := New(ctl, d0, 1, WithLogger(discard()), WithThreshold(0.1))

	// a0 and a1 share their index, or their type, with d0.
	for _, f := range frames(0, 10, 20, 30) {
		err := at.Handle(ctx, f)
		if err != nil {
			t.Fatalf("could not handle frame %d: %+v", f.Index, err)
		}
	}

	if got, want := ctl.toggles, 0; got != want {
		t.Fatalf("invalid number of toggles: got=%d, want=%d", got, want)
	}
	if got, want := at.win.Len(), 0; got != want {
		t.Fatalf("invalid window length: got=%d, want=%d", got, want)
	}
}

func TestAutoThresholdError(t *testing.T) {
	ctx := context.Background()
	ctl := &fakeCtl{running: true}
	at := New(ctl, a0, 1, WithLogger(discard()))

	for _, f := range frames(0, 0) {
		err := at.Handle(ctx, f)
		if err != nil {
			t.Fatalf("could not handle frame %d: %+v", f.Index, err)
		}
	}

	want := errors.New("boom")
	ctl.err = want
	err := at.Handle(ctx, frames(0, 0, 5)[2])
	if !errors.Is(err, want) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, want)
	}
	if at.Stopped() {
		t.Fatalf("unexpected stop")
	}
}

func TestWindowSize(t *testing.T) {
	for _, tc := range []struct {
		rate float64
		div  int
		secs float64
		want int
	}{
		{1000, 1, 3, 3000},
		{1000, 4, 3, 750},
		{1000, 0, 3, 3000},
		{200, 2, 0.5, 50},
		{1, 10, 1, 1},
		{0, 1, 3, 1},
	} {
		if got, want := WindowSize(tc.rate, tc.div, tc.secs), tc.want; got != want {
			t.Fatalf("WindowSize(%v, %d, %v): got=%d, want=%d", tc.rate, tc.div, tc.secs, got, want)
		}
	}
}

func TestSetOutputAfter(t *testing.T) {
	out := acq.OutputChannel{Type: acq.Analog, Index: 0}

	t.Run("elapsed", func(t *testing.T) {
		ctl := &fakeCtl{}
		err := SetOutputAfter(context.Background(), ctl, out, 5, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("could not set output: %+v", err)
		}
		if got, want := ctl.outs, []float64{5}; len(got) != 1 || got[0] != want[0] {
			t.Fatalf("invalid outputs: got=%v, want=%v", got, want)
		}
	})

	t.Run("canceled", func(t *testing.T) {
		ctl := &fakeCtl{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := SetOutputAfter(ctx, ctl, out, 5, time.Hour)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("invalid error: %+v", err)
		}
		if len(ctl.outs) != 0 {
			t.Fatalf("output set after cancel: %v", ctl.outs)
		}
	})

	t.Run("error", func(t *testing.T) {
		want := errors.New("boom")
		ctl := &fakeCtl{err: want}
		err := SetOutputAfter(context.Background(), ctl, out, 5, 0)
		if !errors.Is(err, want) {
			t.Fatalf("invalid error: got=%+v, want=%+v", err, want)
		}
	})
}
