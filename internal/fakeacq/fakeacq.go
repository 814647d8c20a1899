// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakeacq provides a simulated AcqKnowledge acquisition server.
//
// The simulated server answers discovery requests, implements the XML-RPC
// control methods used by the acq package and, once an acquisition is
// started, dials the data connection ports of the controlling host and
// streams generated samples to them.
package fakeacq // import "github.com/go-lpc/ndt/internal/fakeacq"

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-lpc/ndt/acq"
)

const (
	DefaultSingleConnectionModePort = 15020
	DefaultRate                     = 1000.0 // Hz
)

// Channel describes a channel defined by the simulated server.
type Channel struct {
	acq.Channel
	Label   string
	Enabled bool
}

// DefaultChannels returns the channels of the simulated server when none
// are configured.
func DefaultChannels() []Channel {
	return []Channel{
		{Channel: acq.Channel{Type: acq.Analog, Index: 0, SamplingDivider: 1}, Label: "RSP", Enabled: true},
		{Channel: acq.Channel{Type: acq.Analog, Index: 1, SamplingDivider: 2}, Label: "ECG", Enabled: true},
		{Channel: acq.Channel{Type: acq.Digital, Index: 0, SamplingDivider: 1}, Label: "Trigger", Enabled: false},
		{Channel: acq.Channel{Type: acq.Calc, Index: 0, SamplingDivider: 4}, Label: "Respiration Rate", Enabled: true},
	}
}

// Signal generates the amplitude of ch at hardware sample index i,
// acquired t seconds after the start of the acquisition.
type Signal func(ch acq.Channel, i uint64, t float64) float64

// Event is a global event inserted in the acquisition.
type Event struct {
	Label   string
	Type    string
	Channel string
}

type channel struct {
	Channel
	deliver bool
	port    int
}

// Server is a simulated acquisition server.
type Server struct {
	name string
	msg  *log.Logger
	rate float64
	dur  time.Duration // acquisition duration, 0 to run until toggled
	tick time.Duration
	host string // host to dial for data connections, "" for the caller's
	sig  Signal

	mu       sync.Mutex
	chans    []*channel
	running  bool
	gen      int // acquisition generation
	stop     context.CancelFunc
	done     chan struct{} // closed when the current acquisition ended
	tmpl     []byte
	method   acq.ConnectionMethod
	format   acq.TransportFormat
	single   int
	events   []Event
	outputs  map[key]float64
	last     map[key]float64
	nsamples uint64 // hardware samples of the last acquisition

	http  *http.Server
	lis   net.Listener
	udp   net.PacketConn
	grp   sync.WaitGroup
	close sync.Once
}

// Option configures a simulated server.
type Option func(*Server)

func WithName(name string) Option {
	return func(srv *Server) { srv.name = name }
}

func WithLogger(msg *log.Logger) Option {
	return func(srv *Server) { srv.msg = msg }
}

// WithChannels sets the channels defined by the server.
func WithChannels(chans []Channel) Option {
	return func(srv *Server) {
		srv.chans = srv.chans[:0]
		for _, ch := range chans {
			srv.chans = append(srv.chans, &channel{Channel: ch})
		}
	}
}

// WithRate sets the hardware sampling rate, in Hz.
func WithRate(hz float64) Option {
	return func(srv *Server) { srv.rate = hz }
}

// WithDuration sets the duration after which an acquisition ends by itself.
func WithDuration(d time.Duration) Option {
	return func(srv *Server) { srv.dur = d }
}

// WithSignal sets the generator of the acquired amplitudes.
func WithSignal(sig Signal) Option {
	return func(srv *Server) { srv.sig = sig }
}

// WithDataHost sets the host dialed for data connections.
// By default, the host that started the acquisition is dialed.
func WithDataHost(host string) Option {
	return func(srv *Server) { srv.host = host }
}

// WithTick sets the interval at which samples are pushed to data
// connections.
func WithTick(d time.Duration) Option {
	return func(srv *Server) { srv.tick = d }
}

// New creates a new simulated acquisition server.
func New(opts ...Option) *Server {
	srv := &Server{
		name:    "fakeacq",
		msg:     log.New(os.Stdout, "fakeacq: ", 0),
		rate:    DefaultRate,
		tick:    10 * time.Millisecond,
		method:  acq.Single,
		format:  acq.DefaultTransportFormat,
		single:  DefaultSingleConnectionModePort,
		outputs: make(map[key]float64),
		last:    make(map[key]float64),
	}
	WithChannels(DefaultChannels())(srv)
	for _, opt := range opts {
		opt(srv)
	}
	for i, ch := range srv.chans {
		ch.port = DefaultSingleConnectionModePort + 80 + i
	}
	if srv.sig == nil {
		srv.sig = srv.loopback
	}
	return srv
}

// Start starts serving XML-RPC requests on addr and discovery requests
// on disco. An empty disco disables discovery.
func (srv *Server) Start(addr, disco string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("fakeacq: could not listen on %q: %w", addr, err)
	}
	hdlr, err := newRPC(srv)
	if err != nil {
		_ = lis.Close()
		return err
	}
	srv.lis = lis

	mux := http.NewServeMux()
	mux.Handle("/RPC2", hdlr)
	srv.http = &http.Server{Handler: mux}

	srv.grp.Add(1)
	go func() {
		defer srv.grp.Done()
		err := srv.http.Serve(lis)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.msg.Printf("could not serve XML-RPC: %+v", err)
		}
	}()

	if disco == "" {
		return nil
	}

	udp, err := net.ListenPacket("udp4", disco)
	if err != nil {
		_ = srv.http.Close()
		return fmt.Errorf("fakeacq: could not listen for discovery on %q: %w", disco, err)
	}
	srv.udp = udp

	srv.grp.Add(1)
	go func() {
		defer srv.grp.Done()
		srv.discovery()
	}()

	return nil
}

// Addr returns the address of the XML-RPC endpoint.
func (srv *Server) Addr() string {
	return srv.lis.Addr().String()
}

// DiscoveryAddr returns the address discovery requests are served on.
func (srv *Server) DiscoveryAddr() string {
	if srv.udp == nil {
		return ""
	}
	return srv.udp.LocalAddr().String()
}

// Close stops any running acquisition and closes the server.
func (srv *Server) Close() error {
	var err error
	srv.close.Do(func() {
		srv.mu.Lock()
		done := srv.halt()
		srv.mu.Unlock()
		if done != nil {
			<-done
		}

		if srv.http != nil {
			err = srv.http.Close()
		}
		if srv.udp != nil {
			_ = srv.udp.Close()
		}
		srv.grp.Wait()
	})
	return err
}

func (srv *Server) discovery() {
	_, port, _ := net.SplitHostPort(srv.Addr())
	p, _ := strconv.Atoi(port)
	reply, err := json.Marshal(acq.ServerInfo{Name: srv.name, Port: p, Version: "fakeacq"})
	if err != nil {
		srv.msg.Printf("could not encode discovery reply: %+v", err)
		return
	}

	buf := make([]byte, 512)
	for {
		n, src, err := srv.udp.ReadFrom(buf)
		if err != nil {
			return
		}
		if string(buf[:n]) != acq.DiscoverRequest {
			continue
		}
		_, err = srv.udp.WriteTo(reply, src)
		if err != nil {
			srv.msg.Printf("could not answer discovery request from %v: %+v", src, err)
		}
	}
}

// Running returns whether an acquisition is in progress.
func (srv *Server) Running() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.running
}

// Wait blocks until the current acquisition, if any, ended.
func (srv *Server) Wait() {
	srv.mu.Lock()
	done := srv.done
	srv.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Template returns the last loaded template.
func (srv *Server) Template() []byte {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return append([]byte(nil), srv.tmpl...)
}

// Output returns the level of an output channel.
func (srv *Server) Output(out acq.OutputChannel) float64 {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.outputs[key{out.Type, out.Index}]
}

// Events returns the global events inserted so far.
func (srv *Server) Events() []Event {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return append([]Event(nil), srv.events...)
}

// Samples returns the number of hardware samples acquired during the
// last acquisition.
func (srv *Server) Samples() uint64 {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.nsamples
}

// Delivered returns the channels whose data delivery is enabled.
func (srv *Server) Delivered() []acq.Channel {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	var chans []acq.Channel
	for _, ch := range srv.chans {
		if ch.deliver {
			chans = append(chans, ch.Channel.Channel)
		}
	}
	return chans
}

// loopback generates the amplitudes of a breathing-like waveform riding
// on the level of the output line with the same type and index, as if
// each output was wired back to the matching input.
func (srv *Server) loopback(ch acq.Channel, i uint64, t float64) float64 {
	srv.mu.Lock()
	lvl := srv.outputs[keyOf(ch)]
	srv.mu.Unlock()

	switch ch.Type {
	case acq.Digital:
		if math.Mod(t, 1) < 0.5 {
			return lvl + 1
		}
		return lvl
	default:
		freq := 0.25 * float64(ch.Index+1)
		return lvl + 0.1*math.Sin(2*math.Pi*freq*t)
	}
}
