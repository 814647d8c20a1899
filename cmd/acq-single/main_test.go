// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/internal/config"
	"github.com/go-lpc/ndt/internal/fakeacq"
	"github.com/go-lpc/ndt/recorder"
)

// syncBuffer is a bytes.Buffer safe for concurrent writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not find a free port: %+v", err)
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func TestRun(t *testing.T) {
	srv := fakeacq.New(
		fakeacq.WithLogger(log.New(io.Discard, "", 0)),
		fakeacq.WithDuration(200*time.Millisecond),
		fakeacq.WithSignal(func(ch acq.Channel, i uint64, t float64) float64 {
			return float64(i)
		}),
	)
	err := srv.Start("127.0.0.1:0", "")
	if err != nil {
		t.Fatalf("could not start fake acquisition server: %+v", err)
	}
	defer srv.Close()

	dir := t.TempDir()
	err = os.WriteFile(filepath.Join(dir, "basic.gtl"), []byte("basic template"), 0644)
	if err != nil {
		t.Fatalf("could not create template: %+v", err)
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("could not load default configuration: %+v", err)
	}
	cfg.Server.Addr = srv.Addr()
	cfg.Server.Poll = 10 * time.Millisecond
	cfg.Resources = dir
	cfg.Stream.Type = "float"

	out := new(syncBuffer)
	err = run(context.Background(), out, cfg, "basic.gtl", freePort(t), true)
	if err != nil {
		t.Fatalf("could not run acq-single: %+v\n%s", err, out)
	}

	if srv.Running() {
		t.Fatalf("acquisition should have ended")
	}

	lines := strings.Split(out.String(), "\n")
	var frames []string
	for _, line := range lines {
		if strings.Contains(line, " | ") {
			frames = append(frames, line)
		}
	}
	if got, want := len(frames), 200; got != want {
		t.Fatalf("invalid number of frames: got=%d, want=%d\n%s", got, want, out)
	}
	for i, want := range []string{
		"0 | [0 0 0]",
		"1 | [1]",
		"2 | [2 2]",
		"3 | [3]",
		"4 | [4 4 4]",
	} {
		if got := frames[i]; got != want {
			t.Fatalf("invalid frame %d: got=%q, want=%q", i, got, want)
		}
	}

	fname := recorder.FileName(dir, "", acq.Channel{Type: acq.Analog, Index: 0})
	if want := "acq-single: recorded 200 samples of analog0 into " + fname; !strings.Contains(out.String(), want) {
		t.Fatalf("missing output %q:\n%s", want, out)
	}

	r, err := recorder.Open(fname)
	if err != nil {
		t.Fatalf("could not open recording: %+v", err)
	}
	defer r.Close()

	if got, want := r.Len(), 200; got != want {
		t.Fatalf("invalid number of recorded samples: got=%d, want=%d", got, want)
	}
	for i := 0; i < r.Len(); i++ {
		if got, want := r.At(i), float64(i); got != want {
			t.Fatalf("invalid sample %d: got=%v, want=%v", i, got, want)
		}
	}
}

func TestRunNoServer(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("could not load default configuration: %+v", err)
	}
	cfg.Discovery.Broadcast = "127.0.0.1:1"
	cfg.Discovery.Timeout = 100 * time.Millisecond

	out := new(bytes.Buffer)
	err = run(context.Background(), out, cfg, "basic.gtl", 0, true)
	if err != nil {
		t.Fatalf("could not run acq-single: %+v", err)
	}
	if got, want := out.String(), "No AcqKnowledge servers found!\n"; got != want {
		t.Fatalf("invalid output: got=%q, want=%q", got, want)
	}
}

func TestMonitoredStopsOnError(t *testing.T) {
	orig := startMon
	defer func() { startMon = orig }()

	var (
		started bool
		stopped bool
	)
	startMon = func(pid int, fname string, freq time.Duration, msg *log.Logger) (func() error, error) {
		started = true
		return func() error { stopped = true; return nil }, nil
	}

	boom := errors.New("boom")
	err := monitored(filepath.Join(t.TempDir(), "pmon.log"), time.Second, func() error {
		if !started {
			t.Errorf("pmon not started before run")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("invalid error: got=%v, want=%v", err, boom)
	}
	if !stopped {
		t.Fatalf("pmon not stopped after a failed run")
	}
}

func TestMonitoredStartError(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "not-there", "pmon.log")
	err := monitored(fname, time.Second, func() error {
		t.Fatalf("run should not be called")
		return nil
	})
	if err == nil {
		t.Fatalf("expected an error")
	}
}
