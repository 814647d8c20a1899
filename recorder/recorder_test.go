// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package recorder

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/stream"
)

func TestFileName(t *testing.T) {
	for _, tc := range []struct {
		dir    string
		prefix string
		ch     acq.Channel
		want   string
	}{
		{"res", "", acq.Channel{Type: acq.Analog, Index: 0}, filepath.Join("res", "analog-0.bin")},
		{"res", "multi-", acq.Channel{Type: acq.Calc, Index: 3}, filepath.Join("res", "multi-calc-3.bin")},
	} {
		t.Run(tc.want, func(t *testing.T) {
			if got, want := FileName(tc.dir, tc.prefix, tc.ch), tc.want; got != want {
				t.Fatalf("invalid file name: got=%q, want=%q", got, want)
			}
		})
	}
}

func TestRecordAndRead(t *testing.T) {
	var (
		ctx = context.Background()
		a0  = acq.Channel{Type: acq.Analog, Index: 0}
		a1  = acq.Channel{Type: acq.Analog, Index: 1, SamplingDivider: 2}
		dir = t.TempDir()
	)

	rec, err := Create(FileName(dir, "", a1), a1)
	if err != nil {
		t.Fatalf("could not create recorder: %+v", err)
	}
	defer rec.Close()

	frames := []stream.Frame{
		{Index: 0, Values: []float64{1, 10}, Channels: []acq.Channel{a0, a1}},
		{Index: 1, Values: []float64{2}, Channels: []acq.Channel{a0}},
		{Index: 2, Values: []float64{3, -20.5}, Channels: []acq.Channel{a0, a1}},
		{Index: 3, Values: []float64{4}, Channels: []acq.Channel{a0}},
		{Index: 4, Values: []float64{5, 30.25}, Channels: []acq.Channel{a0, a1}},
	}
	for _, f := range frames {
		err := rec.Write(ctx, f)
		if err != nil {
			t.Fatalf("could not record frame %d: %+v", f.Index, err)
		}
	}

	if got, want := rec.Samples(), int64(3); got != want {
		t.Fatalf("invalid number of samples: got=%d, want=%d", got, want)
	}

	err = rec.Close()
	if err != nil {
		t.Fatalf("could not close recorder: %+v", err)
	}

	err = rec.Close()
	if err != nil {
		t.Fatalf("could not close recorder twice: %+v", err)
	}

	r, err := Open(rec.Name())
	if err != nil {
		t.Fatalf("could not open recording: %+v", err)
	}
	defer r.Close()

	if got, want := r.Samples(), []float64{10, -20.5, 30.25}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid samples:\ngot= %v\nwant=%v", got, want)
	}
}

func TestOpenInvalid(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "bad.bin")
	err := os.WriteFile(fname, []byte{1, 2, 3}, 0644)
	if err != nil {
		t.Fatalf("could not create file: %+v", err)
	}

	_, err = Open(fname)
	if err == nil {
		t.Fatalf("expected an error")
	}
}
