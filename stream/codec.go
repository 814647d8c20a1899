// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/go-lpc/ndt/acq"
	"golang.org/x/xerrors"
)

// layout tells which channels are present at a given hardware sample index.
type layout struct {
	chans []acq.Channel
	sel   []int // scratch space: indices into chans present at a given index
}

func newLayout(chans []acq.Channel) layout {
	return layout{
		chans: append([]acq.Channel(nil), chans...),
		sel:   make([]int, 0, len(chans)),
	}
}

// at returns the indices of the channels present at hardware index i.
func (l *layout) at(i uint64) []int {
	l.sel = l.sel[:0]
	for j, ch := range l.chans {
		if i%uint64(ch.Divider()) == 0 {
			l.sel = append(l.sel, j)
		}
	}
	return l.sel
}

// next returns the first index, starting from i, at which at least one
// channel is present.
func (l *layout) next(i uint64) uint64 {
	for len(l.at(i)) == 0 {
		i++
	}
	return i
}

type sampleCodec struct {
	order binary.ByteOrder
	size  int
	get   func(p []byte) float64
	put   func(p []byte, v float64)
}

func newSampleCodec(f acq.TransportFormat) (sampleCodec, error) {
	err := f.Validate()
	if err != nil {
		return sampleCodec{}, xerrors.Errorf("stream: invalid transport format: %w", err)
	}

	var c sampleCodec
	switch f.ByteOrder {
	case "little":
		c.order = binary.LittleEndian
	case "big":
		c.order = binary.BigEndian
	}

	c.size = f.SampleSize()
	switch f.Type {
	case "double":
		c.get = func(p []byte) float64 { return math.Float64frombits(c.order.Uint64(p)) }
		c.put = func(p []byte, v float64) { c.order.PutUint64(p, math.Float64bits(v)) }
	case "float":
		c.get = func(p []byte) float64 { return float64(math.Float32frombits(c.order.Uint32(p))) }
		c.put = func(p []byte, v float64) { c.order.PutUint32(p, math.Float32bits(float32(v))) }
	case "short":
		c.get = func(p []byte) float64 { return float64(int16(c.order.Uint16(p))) }
		c.put = func(p []byte, v float64) { c.order.PutUint16(p, uint16(int16(v))) }
	}

	return c, nil
}

// Decoder reads frames from a sample stream.
type Decoder struct {
	r   io.Reader
	c   sampleCodec
	l   layout
	idx uint64
	buf []byte
}

// NewDecoder returns a decoder reading samples encoded with format f
// for the channels chans, in that order.
func NewDecoder(r io.Reader, f acq.TransportFormat, chans []acq.Channel) (*Decoder, error) {
	if len(chans) == 0 {
		return nil, xerrors.Errorf("stream: no channel to decode")
	}
	c, err := newSampleCodec(f)
	if err != nil {
		return nil, err
	}
	return &Decoder{
		r:   r,
		c:   c,
		l:   newLayout(chans),
		buf: make([]byte, c.size*len(chans)),
	}, nil
}

// Decode reads the next frame from the stream into f.
// Decode returns io.EOF when the stream ended on a frame boundary.
func (dec *Decoder) Decode(f *Frame) error {
	idx := dec.l.next(dec.idx)
	sel := dec.l.at(idx)
	n := len(sel) * dec.c.size

	_, err := io.ReadFull(dec.r, dec.buf[:n])
	switch {
	case err == nil:
	case xerrors.Is(err, io.EOF):
		return io.EOF
	case xerrors.Is(err, io.ErrUnexpectedEOF):
		return xerrors.Errorf("stream: truncated frame at index %d: %w", idx, err)
	default:
		return xerrors.Errorf("stream: could not read frame at index %d: %w", idx, err)
	}

	f.Index = idx
	f.Values = f.Values[:0]
	f.Channels = f.Channels[:0]
	for i, j := range sel {
		beg := i * dec.c.size
		f.Values = append(f.Values, dec.c.get(dec.buf[beg:beg+dec.c.size]))
		f.Channels = append(f.Channels, dec.l.chans[j])
	}
	dec.idx = idx + 1

	return nil
}

// Encoder writes frames to a sample stream.
type Encoder struct {
	w   io.Writer
	c   sampleCodec
	l   layout
	idx uint64
	buf []byte
}

// NewEncoder returns an encoder writing samples with format f for the
// channels chans, in that order.
func NewEncoder(w io.Writer, f acq.TransportFormat, chans []acq.Channel) (*Encoder, error) {
	if len(chans) == 0 {
		return nil, xerrors.Errorf("stream: no channel to encode")
	}
	c, err := newSampleCodec(f)
	if err != nil {
		return nil, err
	}
	return &Encoder{
		w:   w,
		c:   c,
		l:   newLayout(chans),
		buf: make([]byte, c.size*len(chans)),
	}, nil
}

// Next returns the hardware index and the channels of the next frame
// to be encoded.
func (enc *Encoder) Next() (uint64, []acq.Channel) {
	idx := enc.l.next(enc.idx)
	sel := enc.l.at(idx)
	chans := make([]acq.Channel, len(sel))
	for i, j := range sel {
		chans[i] = enc.l.chans[j]
	}
	return idx, chans
}

// Encode writes the next frame. values holds the amplitudes of the
// channels present in that frame, as returned by Next.
func (enc *Encoder) Encode(values ...float64) error {
	idx := enc.l.next(enc.idx)
	sel := enc.l.at(idx)
	if len(values) != len(sel) {
		return xerrors.Errorf(
			"stream: invalid number of values for frame %d (got=%d, want=%d)",
			idx, len(values), len(sel),
		)
	}

	n := len(sel) * enc.c.size
	for i, v := range values {
		beg := i * enc.c.size
		enc.c.put(enc.buf[beg:beg+enc.c.size], v)
	}
	_, err := enc.w.Write(enc.buf[:n])
	if err != nil {
		return xerrors.Errorf("stream: could not write frame %d: %w", idx, err)
	}
	enc.idx = idx + 1
	return nil
}
