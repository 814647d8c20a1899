// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"io"
	"log"
	"net"
	"testing"
	"time"
)

func TestTrackAfterForceClose(t *testing.T) {
	srv := New("127.0.0.1:0", nil, WithLogger(log.New(io.Discard, "", 0)))

	c1, p1 := net.Pipe()
	defer p1.Close()
	if !srv.track(c1) {
		t.Fatalf("connection rejected before shutdown")
	}
	if got, want := len(srv.conns), 1; got != want {
		t.Fatalf("invalid number of tracked connections: got=%d, want=%d", got, want)
	}

	srv.closing.Store(true)

	c2, p2 := net.Pipe()
	defer p2.Close()
	if srv.track(c2) {
		t.Fatalf("connection accepted during forced shutdown")
	}
	if got, want := len(srv.conns), 1; got != want {
		t.Fatalf("invalid number of tracked connections: got=%d, want=%d", got, want)
	}

	_ = p2.SetReadDeadline(time.Now().Add(time.Second))
	_, err := p2.Read(make([]byte, 1))
	if err != io.EOF {
		t.Fatalf("late connection not closed: err=%v", err)
	}
}
