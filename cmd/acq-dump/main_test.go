// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/recorder"
	"github.com/go-lpc/ndt/stream"
)

func record(t *testing.T, fname string, vs ...float64) {
	t.Helper()
	ch := acq.Channel{Type: acq.Analog, Index: 0, SamplingDivider: 1}
	rec, err := recorder.Create(fname, ch)
	if err != nil {
		t.Fatalf("could not create recorder: %+v", err)
	}
	for i, v := range vs {
		err = rec.Write(context.Background(), stream.Frame{
			Index:    uint64(i),
			Values:   []float64{v},
			Channels: []acq.Channel{ch},
		})
		if err != nil {
			t.Fatalf("could not record sample %d: %+v", i, err)
		}
	}
	err = rec.Close()
	if err != nil {
		t.Fatalf("could not close recorder: %+v", err)
	}
}

func TestDump(t *testing.T) {
	var (
		dir   = t.TempDir()
		fname = filepath.Join(dir, "analog-0.bin")
		hname = filepath.Join(dir, "analog-0.png")
	)
	record(t, fname, -1, 0, 1, 2, 3)

	out := new(bytes.Buffer)
	err := process(out, fname, 3, hname, 10)
	if err != nil {
		t.Fatalf("could not dump recording: %+v", err)
	}

	want := strings.Join([]string{
		"=== " + fname + " ===",
		"samples: 5",
		"min:     -1.000000",
		"max:     +3.000000",
		"mean:    +1.000000",
	}, "\n") + "\n"
	if got := out.String(); !strings.HasPrefix(got, want) {
		t.Fatalf("invalid output:\ngot:\n%s\nwant:\n%s", got, want)
	}

	want = strings.Join([]string{
		"     0 -1.000000",
		"     1 +0.000000",
		"     2 +1.000000",
		"",
	}, "\n")
	if got := out.String(); !strings.HasSuffix(got, want) {
		t.Fatalf("invalid output:\ngot:\n%s\nwant suffix:\n%s", got, want)
	}

	raw, err := os.ReadFile(hname)
	if err != nil {
		t.Fatalf("could not read histogram plot: %+v", err)
	}
	if !bytes.HasPrefix(raw, []byte("\x89PNG\r\n\x1a\n")) {
		t.Fatalf("histogram plot is not a PNG file")
	}
}

func TestDumpAll(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "analog-0.bin")
	record(t, fname, 2, 2)

	out := new(bytes.Buffer)
	err := process(out, fname, -1, "", 10)
	if err != nil {
		t.Fatalf("could not dump recording: %+v", err)
	}

	want := strings.Join([]string{
		"=== " + fname + " ===",
		"samples: 2",
		"min:     +2.000000",
		"max:     +2.000000",
		"mean:    +2.000000",
		"stddev:   0.000000",
		"     0 +2.000000",
		"     1 +2.000000",
		"",
	}, "\n")
	if got := out.String(); got != want {
		t.Fatalf("invalid output:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestDumpEmpty(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "analog-0.bin")
	record(t, fname)

	out := new(bytes.Buffer)
	err := process(out, fname, -1, "", 10)
	if err != nil {
		t.Fatalf("could not dump recording: %+v", err)
	}
	if got, want := out.String(), "=== "+fname+" ===\nsamples: 0\n"; got != want {
		t.Fatalf("invalid output:\ngot= %q\nwant=%q", got, want)
	}

	err = process(out, fname, -1, filepath.Join(t.TempDir(), "h.png"), 10)
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestDumpInvalid(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "analog-0.bin")
	err := os.WriteFile(fname, []byte{1, 2, 3}, 0644)
	if err != nil {
		t.Fatalf("could not create file: %+v", err)
	}

	err = process(new(bytes.Buffer), fname, -1, "", 10)
	if err == nil {
		t.Fatalf("expected an error")
	}
}
