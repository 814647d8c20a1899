// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package threshold

import (
	"math"
	"math/rand"
	"testing"
)

func TestWindow(t *testing.T) {
	w := NewWindow(3)
	if got, want := w.Max(), math.Inf(-1); got != want {
		t.Fatalf("invalid max of empty window: got=%v, want=%v", got, want)
	}

	for i, tc := range []struct {
		v    float64
		max  float64
		n    int
		full bool
	}{
		{v: 1, max: 1, n: 1},
		{v: 3, max: 3, n: 2},
		{v: 2, max: 3, n: 3, full: true},
		{v: 0, max: 3, n: 3, full: true},
		{v: 1, max: 2, n: 3, full: true},
		{v: -1, max: 1, n: 3, full: true},
		{v: -2, max: 1, n: 3, full: true},
		{v: -3, max: -1, n: 3, full: true},
		{v: 5, max: 5, n: 3, full: true},
	} {
		w.Push(tc.v)
		if got, want := w.Max(), tc.max; got != want {
			t.Fatalf("push[%d]: invalid max: got=%v, want=%v", i, got, want)
		}
		if got, want := w.Len(), tc.n; got != want {
			t.Fatalf("push[%d]: invalid len: got=%d, want=%d", i, got, want)
		}
		if got, want := w.Full(), tc.full; got != want {
			t.Fatalf("push[%d]: invalid full: got=%v, want=%v", i, got, want)
		}
	}

	w.Reset()
	if got, want := w.Len(), 0; got != want {
		t.Fatalf("invalid len after reset: got=%d, want=%d", got, want)
	}
	if got, want := w.Max(), math.Inf(-1); got != want {
		t.Fatalf("invalid max after reset: got=%v, want=%v", got, want)
	}
}

func TestWindowMinSize(t *testing.T) {
	w := NewWindow(0)
	if got, want := w.Size(), 1; got != want {
		t.Fatalf("invalid size: got=%d, want=%d", got, want)
	}
	w.Push(2)
	w.Push(1)
	if got, want := w.Max(), 1.0; got != want {
		t.Fatalf("invalid max: got=%v, want=%v", got, want)
	}
}

func TestWindowBruteForce(t *testing.T) {
	rnd := rand.New(rand.NewSource(1234))
	for _, size := range []int{1, 2, 7, 100, 300} {
		var (
			w    = NewWindow(size)
			hist []float64
		)
		for i := 0; i < 5000; i++ {
			v := rnd.NormFloat64()
			if i%500 < 250 {
				// long decreasing runs exercise the queue compaction.
				v = -float64(i)
			}
			w.Push(v)
			hist = append(hist, v)

			beg := len(hist) - size
			if beg < 0 {
				beg = 0
			}
			want := math.Inf(-1)
			for _, x := range hist[beg:] {
				want = math.Max(want, x)
			}
			if got := w.Max(); got != want {
				t.Fatalf("size=%d, push[%d]: invalid max: got=%v, want=%v", size, i, got, want)
			}
		}
	}
}
