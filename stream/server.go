// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-lpc/ndt/acq"
	"golang.org/x/sync/errgroup"
)

type namedHandler struct {
	name string
	fct  Handler
}

// Server accepts data connections from an acquisition server and
// dispatches the decoded frames to its handlers.
type Server struct {
	addr   string
	chans  []acq.Channel
	format acq.TransportFormat
	msg    *log.Logger

	mu    sync.RWMutex
	hdlrs []namedHandler

	dmu sync.Mutex // serializes dispatch across connections

	lis   net.Listener
	grp   errgroup.Group
	cmu   sync.Mutex
	conns map[net.Conn]struct{}

	stopping atomic.Bool // no more connections accepted
	closing  atomic.Bool // connections are being force-closed
	cancel   context.CancelFunc

	frames atomic.Uint64
}

// Option configures a Server.
type Option func(*Server)

// WithFormat sets the transport format of the incoming samples.
func WithFormat(f acq.TransportFormat) Option {
	return func(srv *Server) { srv.format = f }
}

// WithLogger sets the logger used to report connection events.
func WithLogger(msg *log.Logger) Option {
	return func(srv *Server) { srv.msg = msg }
}

// New creates a data server listening on addr ([host]:port) for the
// samples of chans, delivered in that order.
func New(addr string, chans []acq.Channel, opts ...Option) *Server {
	srv := &Server{
		addr:   addr,
		chans:  append([]acq.Channel(nil), chans...),
		format: acq.DefaultTransportFormat,
		msg:    log.New(os.Stdout, "stream: ", 0),
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Channels returns the channels delivered to this server.
func (srv *Server) Channels() []acq.Channel {
	return append([]acq.Channel(nil), srv.chans...)
}

// Register adds a named handler. Handlers are called in registration
// order. Registering an already used name replaces its handler in place.
func (srv *Server) Register(name string, h Handler) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	for i := range srv.hdlrs {
		if srv.hdlrs[i].name == name {
			srv.hdlrs[i].fct = h
			return
		}
	}
	srv.hdlrs = append(srv.hdlrs, namedHandler{name: name, fct: h})
}

// Unregister removes the named handler.
// It reports whether such a handler was registered.
func (srv *Server) Unregister(name string) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	for i := range srv.hdlrs {
		if srv.hdlrs[i].name == name {
			srv.hdlrs = append(srv.hdlrs[:i], srv.hdlrs[i+1:]...)
			return true
		}
	}
	return false
}

// Start starts listening for data connections.
// Handlers are called with a context derived from ctx, canceled when the
// server is stopped.
func (srv *Server) Start(ctx context.Context) error {
	if len(srv.chans) == 0 {
		return fmt.Errorf("stream: no channel to receive")
	}
	err := srv.format.Validate()
	if err != nil {
		return fmt.Errorf("stream: invalid transport format: %w", err)
	}

	lis, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return fmt.Errorf("stream: could not listen on %q: %w", srv.addr, err)
	}
	srv.lis = lis

	ctx, srv.cancel = context.WithCancel(ctx)
	srv.grp.Go(func() error {
		return srv.accept(ctx)
	})

	return nil
}

// Addr returns the address the server listens on.
func (srv *Server) Addr() net.Addr {
	if srv.lis == nil {
		return nil
	}
	return srv.lis.Addr()
}

// Frames returns the number of frames dispatched so far.
func (srv *Server) Frames() uint64 {
	return srv.frames.Load()
}

func (srv *Server) accept(ctx context.Context) error {
	for {
		conn, err := srv.lis.Accept()
		if err != nil {
			if srv.stopping.Load() {
				return nil
			}
			return fmt.Errorf("stream: could not accept connection: %w", err)
		}

		if !srv.track(conn) {
			continue
		}

		srv.grp.Go(func() error {
			return srv.serve(ctx, conn)
		})
	}
}

// track registers conn for a forced shutdown.
// It closes conn and returns false if connections are already being
// force-closed.
func (srv *Server) track(conn net.Conn) bool {
	srv.cmu.Lock()
	defer srv.cmu.Unlock()
	if srv.closing.Load() {
		_ = conn.Close()
		return false
	}
	srv.conns[conn] = struct{}{}
	return true
}

func (srv *Server) serve(ctx context.Context, conn net.Conn) error {
	defer func() {
		srv.cmu.Lock()
		delete(srv.conns, conn)
		srv.cmu.Unlock()
		_ = conn.Close()
	}()

	srv.msg.Printf("serving %v...", conn.RemoteAddr())
	defer srv.msg.Printf("serving %v... [done]", conn.RemoteAddr())

	dec, err := NewDecoder(conn, srv.format, srv.chans)
	if err != nil {
		return fmt.Errorf("stream: could not create decoder: %w", err)
	}

	var f Frame
	for {
		err := dec.Decode(&f)
		if err != nil {
			if errors.Is(err, io.EOF) || srv.closing.Load() {
				return nil
			}
			return fmt.Errorf("stream: could not decode frame from %v: %w", conn.RemoteAddr(), err)
		}
		srv.dispatch(ctx, f)
	}
}

func (srv *Server) dispatch(ctx context.Context, f Frame) {
	srv.mu.RLock()
	hdlrs := make([]namedHandler, len(srv.hdlrs))
	copy(hdlrs, srv.hdlrs)
	srv.mu.RUnlock()

	srv.dmu.Lock()
	defer srv.dmu.Unlock()

	srv.frames.Add(1)
	for _, h := range hdlrs {
		err := h.fct(ctx, f)
		if err != nil {
			srv.msg.Printf("handler %q failed on frame %d: %+v", h.name, f.Index, err)
		}
	}
}

// Shutdown stops accepting new connections and waits for the acquisition
// server to close the current ones. When ctx is done, remaining
// connections are closed.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.lis == nil {
		return nil
	}
	if srv.stopping.Swap(true) {
		return nil
	}
	_ = srv.lis.Close()

	done := make(chan error, 1)
	go func() {
		done <- srv.grp.Wait()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		srv.closing.Store(true)
		srv.cmu.Lock()
		for conn := range srv.conns {
			_ = conn.Close()
		}
		srv.cmu.Unlock()
		err = <-done
	}
	srv.cancel()
	return err
}

// Stop closes the listener and all the current connections.
func (srv *Server) Stop() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return srv.Shutdown(ctx)
}
