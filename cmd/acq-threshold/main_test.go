// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-lpc/ndt/internal/config"
	"github.com/go-lpc/ndt/internal/fakeacq"
)

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
	srv := fakeacq.New(fakeacq.WithLogger(log.New(io.Discard, "", 0)))
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := new(syncBuffer)
	err = run(ctx, out, cfg, params{
		tmpl:   "basic.gtl",
		port:   freePort(t),
		window: 50 * time.Millisecond,
		thresh: 1,
		delay:  200 * time.Millisecond,
		volts:  5,
	})
	if err != nil {
		t.Fatalf("could not run acq-threshold: %+v\n%s", err, out)
	}

	if srv.Running() {
		t.Fatalf("acquisition should have been halted")
	}
	if got, want := srv.Output(output), 5.0; got != want {
		t.Fatalf("invalid analog output level: got=%v, want=%v", got, want)
	}

	for _, want := range []string{
		"acq-threshold: monitoring analog0 over 50 samples (50ms)\n",
		"acq-threshold: setting analog output 0 to 0 Volts...\n",
		"acq-threshold: flipping output voltage to 5 Volts...\n",
		"from the previous max; halting acquisition\n",
	} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing output %q:\n%s", want, out)
		}
	}
	if strings.Contains(out.String(), "without crossing the threshold") {
		t.Fatalf("threshold should have been crossed:\n%s", out)
	}
}

func TestRunCanceledFlip(t *testing.T) {
	srv := fakeacq.New(
		fakeacq.WithLogger(log.New(io.Discard, "", 0)),
		fakeacq.WithDuration(100*time.Millisecond),
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

	out := new(syncBuffer)
	err = run(context.Background(), out, cfg, params{
		tmpl:   "basic.gtl",
		port:   freePort(t),
		window: 50 * time.Millisecond,
		thresh: 1,
		delay:  time.Hour,
		volts:  5,
	})
	if err != nil {
		t.Fatalf("could not run acq-threshold: %+v\n%s", err, out)
	}

	if got, want := srv.Output(output), 0.0; got != want {
		t.Fatalf("invalid analog output level: got=%v, want=%v", got, want)
	}
	if want := "acq-threshold: acquisition ended without crossing the threshold\n"; !strings.Contains(out.String(), want) {
		t.Fatalf("missing output %q:\n%s", want, out)
	}
	if strings.Contains(out.String(), "flipping output voltage") {
		t.Fatalf("output should not have been flipped:\n%s", out)
	}
}
