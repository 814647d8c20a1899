// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package recorder

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-lpc/ndt/internal/mmap"
)

// Reader gives random access to the samples of a recording.
type Reader struct {
	h *mmap.Handle
}

// Open memory-maps the recording fname.
func Open(fname string) (*Reader, error) {
	h, err := mmap.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("recorder: could not open %q: %w", fname, err)
	}
	if h.Len()%sampleSize != 0 {
		_ = h.Close()
		return nil, fmt.Errorf(
			"recorder: invalid recording %q (size=%d is not a multiple of %d)",
			fname, h.Len(), sampleSize,
		)
	}
	return &Reader{h: h}, nil
}

// Len returns the number of samples in the recording.
func (r *Reader) Len() int {
	return r.h.Len() / sampleSize
}

// At returns the i-th sample of the recording.
func (r *Reader) At(i int) float64 {
	beg := i * sampleSize
	raw := r.h.Bytes()[beg : beg+sampleSize]
	return math.Float64frombits(binary.LittleEndian.Uint64(raw))
}

// Samples returns a copy of all the samples of the recording.
func (r *Reader) Samples() []float64 {
	vs := make([]float64, r.Len())
	for i := range vs {
		vs[i] = r.At(i)
	}
	return vs
}

// Close unmaps the recording.
func (r *Reader) Close() error {
	return r.h.Close()
}
