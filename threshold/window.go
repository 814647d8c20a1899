// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package threshold

import "math"

// Window is a fixed-size sliding window over a stream of amplitudes,
// with amortized constant-time access to its maximum.
type Window struct {
	size int
	seq  int64 // number of values pushed so far

	// monotonic queue: values in decreasing order, with the sequence
	// number at which they were pushed. q[head:] is live.
	q    []entry
	head int
}

type entry struct {
	seq int64
	v   float64
}

// NewWindow returns a window holding at most n values.
func NewWindow(n int) *Window {
	if n < 1 {
		n = 1
	}
	return &Window{size: n, q: make([]entry, 0, 16)}
}

// Size returns the capacity of the window.
func (w *Window) Size() int { return w.size }

// Len returns the number of values currently in the window.
func (w *Window) Len() int {
	if w.seq < int64(w.size) {
		return int(w.seq)
	}
	return w.size
}

// Full returns whether the window holds Size values.
func (w *Window) Full() bool { return w.seq >= int64(w.size) }

// Push appends v to the window, evicting the oldest value if the window
// is full.
func (w *Window) Push(v float64) {
	for len(w.q) > w.head && w.q[len(w.q)-1].v <= v {
		w.q = w.q[:len(w.q)-1]
	}
	w.q = append(w.q, entry{seq: w.seq, v: v})
	w.seq++

	oldest := w.seq - int64(w.size)
	for w.head < len(w.q) && w.q[w.head].seq < oldest {
		w.head++
	}

	if w.head > 64 && 2*w.head > len(w.q) {
		n := copy(w.q, w.q[w.head:])
		w.q = w.q[:n]
		w.head = 0
	}
}

// Max returns the maximum of the values in the window, or -Inf if the
// window is empty.
func (w *Window) Max() float64 {
	if len(w.q) == w.head {
		return math.Inf(-1)
	}
	return w.q[w.head].v
}

// Reset empties the window.
func (w *Window) Reset() {
	w.seq = 0
	w.head = 0
	w.q = w.q[:0]
}
