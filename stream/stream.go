// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stream receives the samples delivered by an AcqKnowledge server
// over its TCP data connections.
//
// The acquisition server dials the client: a Server listens on the data
// connection port, decodes incoming samples into frames and hands them
// to the registered handlers.
//
// A frame holds the amplitudes of the channels acquired at one hardware
// sample index. With variable sampling rates, a channel with sampling
// divider d only appears in the frames whose index is a multiple of d.
package stream // import "github.com/go-lpc/ndt/stream"

import (
	"context"

	"github.com/go-lpc/ndt/acq"
)

// Frame is the set of amplitudes acquired at a hardware sample index.
// Values[i] is the amplitude of Channels[i].
type Frame struct {
	Index    uint64
	Values   []float64
	Channels []acq.Channel
}

// Value returns the amplitude of ch in the frame, if present.
func (f Frame) Value(ch acq.Channel) (float64, bool) {
	for i, c := range f.Channels {
		if c.Is(ch) {
			return f.Values[i], true
		}
	}
	return 0, false
}

// ChannelIndex returns the channel sample index of the frame for ch.
func (f Frame) ChannelIndex(ch acq.Channel) uint64 {
	return f.Index / uint64(ch.Divider())
}

// Handler processes a frame.
// Frames must not be retained after the handler returns.
type Handler func(ctx context.Context, f Frame) error
