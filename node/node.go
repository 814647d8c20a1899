// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package node exposes an AcqKnowledge acquisition as a TDAQ process.
//
// The /config command connects to the acquisition server and loads a
// template, /init enables the delivery of all the enabled channels and
// /start and /stop drive the acquisition. Received frames are published
// on the /samples output, encoded with EncodeFrame.
package node // import "github.com/go-lpc/ndt/node"

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/internal/config"
	"github.com/go-lpc/ndt/stream"
)

// DefaultTemplate is the template loaded when /config carries none.
const DefaultTemplate = "basic-rhy-resp-sample.gtl"

// Device is a TDAQ process driving an AcqKnowledge server.
type Device struct {
	name  string
	cfg   config.Config
	port  int // single connection mode port, 0 for the server's
	queue int
	msg   *log.Logger

	mu    sync.Mutex
	srv   *acq.Client
	tmpl  string
	chans []acq.Channel
	rate  float64
	data  *stream.Server

	frames  chan []byte
	sent    atomic.Uint64
	dropped atomic.Uint64
}

type Option func(*Device)

// WithPort sets the single connection mode port the server dials.
func WithPort(port int) Option {
	return func(dev *Device) { dev.port = port }
}

// WithQueue sets the number of frames buffered for the /samples output.
// Frames received while the buffer is full are dropped.
func WithQueue(n int) Option {
	return func(dev *Device) { dev.queue = n }
}

func WithLogger(msg *log.Logger) Option {
	return func(dev *Device) { dev.msg = msg }
}

func New(name string, cfg config.Config, opts ...Option) *Device {
	dev := &Device{
		name:  name,
		cfg:   cfg,
		queue: 1024,
		msg:   log.New(os.Stdout, name+": ", 0),
	}
	for _, opt := range opts {
		opt(dev)
	}
	return dev
}

// Channels returns the channels delivered during the current run.
func (dev *Device) Channels() []acq.Channel {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return append([]acq.Channel(nil), dev.chans...)
}

// Rate returns the sampling rate (in Hz) of the current acquisition.
func (dev *Device) Rate() float64 {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.rate
}

// Published returns the number of frames queued for the /samples output
// and the number of frames dropped because the queue was full.
func (dev *Device) Published() (sent, dropped uint64) {
	return dev.sent.Load(), dev.dropped.Load()
}

func (dev *Device) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	tmpl := DefaultTemplate
	if len(req.Body) > 0 {
		dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
		if name := dec.ReadStr(); name != "" {
			tmpl = name
		}
	}

	err := dev.configure(ctx.Ctx, tmpl)
	if err != nil {
		ctx.Msg.Errorf("could not configure acquisition: %+v", err)
		return fmt.Errorf("could not configure acquisition: %w", err)
	}
	ctx.Msg.Infof("template %s loaded", tmpl)
	return nil
}

func (dev *Device) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	err := dev.initialize(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not initialize acquisition: %+v", err)
		return fmt.Errorf("could not initialize acquisition: %w", err)
	}
	ctx.Msg.Infof("delivering %v at %g Hz", dev.Channels(), dev.Rate())
	return nil
}

func (dev *Device) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	err := dev.reset(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not reset acquisition: %+v", err)
		return fmt.Errorf("could not reset acquisition: %w", err)
	}
	return nil
}

func (dev *Device) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	err := dev.start(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not start acquisition: %+v", err)
		return fmt.Errorf("could not start acquisition: %w", err)
	}
	return nil
}

func (dev *Device) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	err := dev.stop(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not stop acquisition: %+v", err)
		return fmt.Errorf("could not stop acquisition: %w", err)
	}
	sent, dropped := dev.Published()
	ctx.Msg.Infof("frames: sent=%d, dropped=%d", sent, dropped)
	return nil
}

func (dev *Device) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return dev.close(ctx.Ctx)
}

// Samples is the handler of the /samples output.
func (dev *Device) Samples(ctx tdaq.Context, dst *tdaq.Frame) error {
	dst.Body = dev.next(ctx.Ctx)
	return nil
}

// Run blocks until the process is terminated.
func (dev *Device) Run(ctx tdaq.Context) error {
	<-ctx.Ctx.Done()
	return dev.close(context.Background())
}

func (dev *Device) configure(ctx context.Context, tmpl string) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.srv == nil {
		srv, err := dev.cfg.Connect(ctx, dev.msg)
		if err != nil {
			return fmt.Errorf("could not connect to AcqKnowledge server: %w", err)
		}
		dev.srv = srv
	}

	err := dev.srv.Prepare(ctx, dev.cfg.Template(tmpl), acq.Single)
	if err != nil {
		return fmt.Errorf("could not prepare acquisition: %w", err)
	}

	err = dev.srv.ChangeTransportFormat(ctx, dev.cfg.TransportFormat())
	if err != nil {
		return fmt.Errorf("could not change transport format: %w", err)
	}
	dev.tmpl = tmpl
	return nil
}

func (dev *Device) initialize(ctx context.Context) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.srv == nil {
		return fmt.Errorf("node: not configured")
	}
	if dev.data != nil {
		return fmt.Errorf("node: already initialized")
	}

	chans, err := dev.srv.DeliverAllEnabledChannels(ctx)
	if err != nil {
		return fmt.Errorf("could not enable data delivery: %w", err)
	}
	if len(chans) == 0 {
		return fmt.Errorf("no enabled channel")
	}

	if dev.port > 0 {
		err = dev.srv.ChangeSingleConnectionModePort(ctx, dev.port)
		if err != nil {
			return fmt.Errorf("could not change data connection port: %w", err)
		}
	}
	port, err := dev.srv.SingleConnectionModePort(ctx)
	if err != nil {
		return fmt.Errorf("could not retrieve data connection port: %w", err)
	}

	dev.rate, err = dev.srv.SamplingRate(ctx)
	if err != nil {
		return fmt.Errorf("could not retrieve sampling rate: %w", err)
	}

	dev.chans = chans
	dev.frames = make(chan []byte, dev.queue)
	dev.sent.Store(0)
	dev.dropped.Store(0)

	dev.data = stream.New(
		net.JoinHostPort("", strconv.Itoa(port)), chans,
		stream.WithFormat(dev.cfg.TransportFormat()),
		stream.WithLogger(dev.msg),
	)
	dev.data.Register("TDAQ", dev.publish)
	return nil
}

func (dev *Device) start(ctx context.Context) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.data == nil {
		return fmt.Errorf("node: not initialized")
	}

	// the data server outlives the /start command.
	err := dev.data.Start(context.Background())
	if err != nil {
		return fmt.Errorf("could not start data server: %w", err)
	}

	_, err = dev.srv.StartAcquisition(ctx)
	if err != nil {
		_ = dev.data.Stop()
		return fmt.Errorf("could not start acquisition: %w", err)
	}
	return nil
}

func (dev *Device) stop(ctx context.Context) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.srv == nil || dev.data == nil {
		return nil
	}

	_, err := dev.srv.StopAcquisition(ctx)
	if err != nil {
		return fmt.Errorf("could not stop acquisition: %w", err)
	}

	drain, cancel := context.WithTimeout(ctx, dev.cfg.Stream.Drain)
	defer cancel()

	err = dev.data.Shutdown(drain)
	dev.data = nil
	if err != nil {
		return fmt.Errorf("could not shutdown data server: %w", err)
	}
	return nil
}

func (dev *Device) reset(ctx context.Context) error {
	err := dev.stop(ctx)
	if err != nil {
		return err
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.chans = nil
	dev.frames = make(chan []byte, dev.queue)
	dev.sent.Store(0)
	dev.dropped.Store(0)
	return nil
}

func (dev *Device) close(ctx context.Context) error {
	err := dev.stop(ctx)
	if err != nil {
		return err
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.srv == nil {
		return nil
	}
	err = dev.srv.Close()
	dev.srv = nil
	if err != nil {
		return fmt.Errorf("could not close connection to AcqKnowledge server: %w", err)
	}
	return nil
}

func (dev *Device) publish(ctx context.Context, f stream.Frame) error {
	buf := new(bytes.Buffer)
	err := EncodeFrame(buf, f)
	if err != nil {
		return err
	}

	select {
	case dev.frames <- buf.Bytes():
		dev.sent.Add(1)
	default:
		dev.dropped.Add(1)
	}
	return nil
}

// next returns the next published frame, or nil once ctx is done.
func (dev *Device) next(ctx context.Context) []byte {
	dev.mu.Lock()
	frames := dev.frames
	dev.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil
	case raw := <-frames:
		return raw
	}
}

// EncodeFrame writes f to w as its hardware sample index, the number of
// channels and, for each channel, its name and amplitude.
func EncodeFrame(w io.Writer, f stream.Frame) error {
	enc := tdaq.NewEncoder(w)
	enc.WriteU64(f.Index)
	enc.WriteU32(uint32(len(f.Values)))
	for i, v := range f.Values {
		enc.WriteStr(f.Channels[i].String())
		enc.WriteF64(v)
	}
	if err := enc.Err(); err != nil {
		return fmt.Errorf("node: could not encode frame %d: %w", f.Index, err)
	}
	return nil
}

// DecodeFrame reads a frame encoded with EncodeFrame.
// Sampling dividers are not part of the encoding.
func DecodeFrame(p []byte) (stream.Frame, error) {
	var (
		f   stream.Frame
		dec = tdaq.NewDecoder(bytes.NewReader(p))
	)
	f.Index = dec.ReadU64()
	n := int(dec.ReadU32())
	if err := dec.Err(); err != nil {
		return f, fmt.Errorf("node: could not decode frame header: %w", err)
	}
	if n > len(p) {
		return f, fmt.Errorf("node: invalid number of channels (%d) in frame %d", n, f.Index)
	}
	f.Values = make([]float64, 0, n)
	f.Channels = make([]acq.Channel, 0, n)
	for i := 0; i < n; i++ {
		name := dec.ReadStr()
		v := dec.ReadF64()
		if err := dec.Err(); err != nil {
			return f, fmt.Errorf("node: could not decode frame %d: %w", f.Index, err)
		}
		ch, err := acq.ParseChannel(name)
		if err != nil {
			return f, fmt.Errorf("node: could not decode frame %d: %w", f.Index, err)
		}
		f.Channels = append(f.Channels, ch)
		f.Values = append(f.Values, v)
	}
	return f, nil
}
