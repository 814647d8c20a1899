// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream_test

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/internal/fakeacq"
	"github.com/go-lpc/ndt/stream"
)

var (
	a0 = acq.Channel{Type: acq.Analog, Index: 0, SamplingDivider: 1}
	a1 = acq.Channel{Type: acq.Analog, Index: 1, SamplingDivider: 2}
	c0 = acq.Channel{Type: acq.Calc, Index: 0, SamplingDivider: 4}
)

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

type collector struct {
	mu     sync.Mutex
	frames []stream.Frame
}

func (c *collector) handle(ctx context.Context, f stream.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, stream.Frame{
		Index:    f.Index,
		Values:   append([]float64(nil), f.Values...),
		Channels: append([]acq.Channel(nil), f.Channels...),
	})
	return nil
}

func (c *collector) Frames() []stream.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func push(t *testing.T, addr string, chans []acq.Channel, n int) []stream.Frame {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("could not dial data server: %+v", err)
	}
	defer conn.Close()

	enc, err := stream.NewEncoder(conn, acq.DefaultTransportFormat, chans)
	if err != nil {
		t.Fatalf("could not create encoder: %+v", err)
	}

	var frames []stream.Frame
	for i := 0; i < n; i++ {
		idx, cs := enc.Next()
		vs := make([]float64, len(cs))
		for j := range vs {
			vs[j] = float64(idx) + 0.5*float64(j)
		}
		err = enc.Encode(vs...)
		if err != nil {
			t.Fatalf("could not encode frame: %+v", err)
		}
		frames = append(frames, stream.Frame{Index: idx, Values: vs, Channels: cs})
	}
	return frames
}

func waitFrames(t *testing.T, srv *stream.Server, n uint64) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for srv.Frames() < n {
		select {
		case <-timeout:
			t.Fatalf("timeout waiting for %d frames (got=%d)", n, srv.Frames())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestServer(t *testing.T) {
	var (
		chans = []acq.Channel{a0, a1, c0}
		srv   = stream.New("127.0.0.1:0", chans, stream.WithLogger(discard()))
		coll  collector
		order []string
	)

	srv.Register("collect", coll.handle)
	srv.Register("first", func(ctx context.Context, f stream.Frame) error {
		order = append(order, "first")
		return errors.New("handler errors do not stop the stream")
	})
	srv.Register("second", func(ctx context.Context, f stream.Frame) error {
		order = append(order, "second")
		return nil
	})
	srv.Register("dropped", func(ctx context.Context, f stream.Frame) error {
		t.Errorf("unregistered handler called")
		return nil
	})
	if !srv.Unregister("dropped") {
		t.Fatalf("could not unregister handler")
	}
	if srv.Unregister("not-there") {
		t.Fatalf("unregistered an unknown handler")
	}

	err := srv.Start(context.Background())
	if err != nil {
		t.Fatalf("could not start data server: %+v", err)
	}

	want := push(t, srv.Addr().String(), chans, 10)
	waitFrames(t, srv, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = srv.Shutdown(ctx)
	if err != nil {
		t.Fatalf("could not shutdown data server: %+v", err)
	}

	if got := coll.Frames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid frames:\ngot= %+v\nwant=%+v", got, want)
	}
	if got, want := srv.Frames(), uint64(10); got != want {
		t.Fatalf("invalid number of frames: got=%d, want=%d", got, want)
	}
	if got, want := len(order), 20; got != want {
		t.Fatalf("invalid number of handler calls: got=%d, want=%d", got, want)
	}
	for i := 0; i < len(order); i += 2 {
		if order[i] != "first" || order[i+1] != "second" {
			t.Fatalf("invalid handler order at %d: %v", i, order[i:i+2])
		}
	}

	err = srv.Shutdown(ctx)
	if err != nil {
		t.Fatalf("could not shutdown data server twice: %+v", err)
	}
}

func TestServerReplaceHandler(t *testing.T) {
	var (
		srv   = stream.New("127.0.0.1:0", []acq.Channel{a0}, stream.WithLogger(discard()))
		calls []string
	)

	srv.Register("a", func(ctx context.Context, f stream.Frame) error {
		calls = append(calls, "a-old")
		return nil
	})
	srv.Register("b", func(ctx context.Context, f stream.Frame) error {
		calls = append(calls, "b")
		return nil
	})
	srv.Register("a", func(ctx context.Context, f stream.Frame) error {
		calls = append(calls, "a-new")
		return nil
	})

	err := srv.Start(context.Background())
	if err != nil {
		t.Fatalf("could not start data server: %+v", err)
	}

	push(t, srv.Addr().String(), []acq.Channel{a0}, 1)
	waitFrames(t, srv, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = srv.Shutdown(ctx)
	if err != nil {
		t.Fatalf("could not shutdown data server: %+v", err)
	}

	if got, want := calls, []string{"a-new", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid calls: got=%v, want=%v", got, want)
	}
}

func TestServerForceShutdown(t *testing.T) {
	srv := stream.New("127.0.0.1:0", []acq.Channel{a0}, stream.WithLogger(discard()))
	err := srv.Start(context.Background())
	if err != nil {
		t.Fatalf("could not start data server: %+v", err)
	}

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("could not dial data server: %+v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = srv.Shutdown(ctx)
	if err != nil {
		t.Fatalf("could not force shutdown: %+v", err)
	}
}

func TestServerStartErrors(t *testing.T) {
	srv := stream.New("127.0.0.1:0", nil, stream.WithLogger(discard()))
	err := srv.Start(context.Background())
	if err == nil {
		t.Fatalf("expected an error starting a server without channels")
	}

	srv = stream.New("127.0.0.1:0", []acq.Channel{a0},
		stream.WithLogger(discard()),
		stream.WithFormat(acq.TransportFormat{Type: "int24", ByteOrder: "little"}),
	)
	err = srv.Start(context.Background())
	if err == nil {
		t.Fatalf("expected an error starting a server with an invalid format")
	}

	err = srv.Stop()
	if err != nil {
		t.Fatalf("could not stop a server never started: %+v", err)
	}
}

func acquire(t *testing.T, method acq.ConnectionMethod) (*fakeacq.Server, map[string]*collector, map[string]*stream.Server) {
	t.Helper()

	const rate = 1000
	fake := fakeacq.New(
		fakeacq.WithLogger(discard()),
		fakeacq.WithRate(rate),
		fakeacq.WithDuration(200*time.Millisecond),
		fakeacq.WithSignal(func(ch acq.Channel, i uint64, t float64) float64 {
			return float64(i) + float64(ch.Index)/10
		}),
	)
	err := fake.Start("127.0.0.1:0", "")
	if err != nil {
		t.Fatalf("could not start fake server: %+v", err)
	}
	defer fake.Close()

	ctx := context.Background()
	c, err := acq.Dial(fake.Addr(), acq.WithLogger(discard()), acq.WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("could not dial fake server: %+v", err)
	}
	defer c.Close()

	err = c.ChangeDataConnectionMethod(ctx, method)
	if err != nil {
		t.Fatalf("could not change connection method: %+v", err)
	}

	chans, err := c.DeliverAllEnabledChannels(ctx)
	if err != nil {
		t.Fatalf("could not enable delivery: %+v", err)
	}

	var (
		colls = make(map[string]*collector)
		srvs  = make(map[string]*stream.Server)
	)
	start := func(name string, chans []acq.Channel) int {
		srv := stream.New("127.0.0.1:0", chans, stream.WithLogger(discard()))
		coll := new(collector)
		srv.Register("collect", coll.handle)
		err := srv.Start(ctx)
		if err != nil {
			t.Fatalf("could not start data server: %+v", err)
		}
		colls[name] = coll
		srvs[name] = srv
		_, port, _ := net.SplitHostPort(srv.Addr().String())
		p, _ := strconv.Atoi(port)
		return p
	}

	switch method {
	case acq.Single:
		port := start("single", chans)
		err = c.ChangeSingleConnectionModePort(ctx, port)
		if err != nil {
			t.Fatalf("could not change single connection port: %+v", err)
		}
	case acq.Multiple:
		for _, ch := range chans {
			port := start(ch.String(), []acq.Channel{ch})
			err = c.ChangeDataConnectionPort(ctx, ch, port)
			if err != nil {
				t.Fatalf("could not change data port of %v: %+v", ch, err)
			}
		}
	}

	err = c.ToggleAcquisition(ctx)
	if err != nil {
		t.Fatalf("could not start acquisition: %+v", err)
	}

	tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err = c.WaitForAcquisitionEnd(tctx)
	if err != nil {
		t.Fatalf("could not wait for acquisition end: %+v", err)
	}

	for name, srv := range srvs {
		err = srv.Shutdown(tctx)
		if err != nil {
			t.Fatalf("could not shutdown data server %q: %+v", name, err)
		}
	}

	return fake, colls, srvs
}

func checkFrames(t *testing.T, frames []stream.Frame) {
	t.Helper()
	for _, f := range frames {
		for i, ch := range f.Channels {
			if f.Index%uint64(ch.Divider()) != 0 {
				t.Fatalf("channel %v present at index %d", ch, f.Index)
			}
			if got, want := f.Values[i], float64(f.Index)+float64(ch.Index)/10; got != want {
				t.Fatalf("invalid value of %v at index %d: got=%v, want=%v", ch, f.Index, got, want)
			}
		}
	}
}

func TestSingleConnectionAcquisition(t *testing.T) {
	fake, colls, srvs := acquire(t, acq.Single)

	if got, want := fake.Samples(), uint64(200); got != want {
		t.Fatalf("invalid number of acquired samples: got=%d, want=%d", got, want)
	}

	frames := colls["single"].Frames()
	if got, want := srvs["single"].Frames(), uint64(200); got != want {
		t.Fatalf("invalid number of frames: got=%d, want=%d", got, want)
	}
	checkFrames(t, frames)

	n := make(map[acq.Channel]int)
	for _, f := range frames {
		for _, ch := range f.Channels {
			n[ch]++
		}
	}
	for _, tc := range []struct {
		ch   acq.Channel
		want int
	}{
		{a0, 200},
		{a1, 100},
		{c0, 50},
	} {
		if got := n[tc.ch]; got != tc.want {
			t.Fatalf("invalid number of samples for %v: got=%d, want=%d", tc.ch, got, tc.want)
		}
	}
}

func TestMultipleConnectionAcquisition(t *testing.T) {
	_, colls, srvs := acquire(t, acq.Multiple)

	for _, tc := range []struct {
		ch   acq.Channel
		want uint64
	}{
		{a0, 200},
		{a1, 100},
		{c0, 50},
	} {
		srv, ok := srvs[tc.ch.String()]
		if !ok {
			t.Fatalf("no data server for %v", tc.ch)
		}
		if got := srv.Frames(); got != tc.want {
			t.Fatalf("invalid number of frames for %v: got=%d, want=%d", tc.ch, got, tc.want)
		}
		checkFrames(t, colls[tc.ch.String()].Frames())
	}
}
