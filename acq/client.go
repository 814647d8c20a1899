// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/rpc"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/kolo/xmlrpc"
)

// Client controls an AcqKnowledge server over XML-RPC.
type Client struct {
	addr string
	rpc  *xmlrpc.Client
	msg  *log.Logger

	poll    time.Duration // polling interval for WaitForAcquisitionEnd
	timeout time.Duration // per-call timeout, 0 for none
	rt      http.RoundTripper
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used to report control operations.
func WithLogger(msg *log.Logger) Option {
	return func(c *Client) { c.msg = msg }
}

// WithPollInterval sets the interval at which the acquisition state is
// polled while waiting for the end of an acquisition.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.poll = d }
}

// WithCallTimeout bounds the duration of each XML-RPC call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithTransport sets the HTTP transport used for XML-RPC calls.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.rt = rt }
}

// Dial creates a client for the server at addr ([host]:port).
// A missing port defaults to DefaultPort.
func Dial(addr string, opts ...Option) (*Client, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}

	c := &Client{
		addr: addr,
		msg:  log.New(os.Stdout, "acq: ", 0),
		poll: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	cli, err := xmlrpc.NewClient("http://"+addr+"/RPC2", c.rt)
	if err != nil {
		return nil, fmt.Errorf("acq: could not create XML-RPC client for %q: %w", addr, err)
	}
	c.rpc = cli

	return c, nil
}

// Addr returns the [host]:port address of the server.
func (c *Client) Addr() string { return c.addr }

// Host returns the host part of the server address.
func (c *Client) Host() string {
	host, _, err := net.SplitHostPort(c.addr)
	if err != nil {
		return c.addr
	}
	return host
}

// Close closes the connection to the server.
func (c *Client) Close() error {
	return c.rpc.Close()
}

func (c *Client) call(ctx context.Context, method string, reply interface{}, args ...interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var params interface{}
	if len(args) > 0 {
		params = args
	}

	// the XML-RPC codec performs the HTTP round-trip while sending
	// the request, so issue it from another goroutine to honor ctx.
	// the reply is decoded into a private value so an abandoned call
	// never writes into the caller's memory.
	var (
		done = make(chan *rpc.Call, 1)
		tmp  interface{}
		rv   reflect.Value
	)
	if reply != nil {
		rv = reflect.New(reflect.TypeOf(reply).Elem())
		tmp = rv.Interface()
	}
	go c.rpc.Go("acq."+method, params, tmp, done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("acq: could not call %q: %w", method, ctx.Err())
	case call := <-done:
		if call.Error != nil {
			return fmt.Errorf("acq: could not call %q: %w", method, call.Error)
		}
	}
	if reply != nil {
		reflect.ValueOf(reply).Elem().Set(rv.Elem())
	}
	return nil
}

// AcquisitionInProgress returns whether the server is acquiring data.
func (c *Client) AcquisitionInProgress(ctx context.Context) (bool, error) {
	var ok bool
	err := c.call(ctx, "getAcquisitionInProgress", &ok)
	return ok, err
}

// ToggleAcquisition starts the acquisition if it is stopped, and stops
// it if it is running.
func (c *Client) ToggleAcquisition(ctx context.Context) error {
	return c.call(ctx, "toggleAcquisition", nil)
}

func (c *Client) setAcquisition(ctx context.Context, run bool) (bool, error) {
	cur, err := c.AcquisitionInProgress(ctx)
	if err != nil {
		return false, err
	}
	if cur == run {
		return false, nil
	}
	err = c.ToggleAcquisition(ctx)
	if err != nil {
		return false, err
	}
	return true, nil
}

// StartAcquisition starts the acquisition unless it is already running.
// It reports whether the acquisition state was changed.
func (c *Client) StartAcquisition(ctx context.Context) (bool, error) {
	return c.setAcquisition(ctx, true)
}

// StopAcquisition stops the acquisition if it is running.
// It reports whether the acquisition state was changed.
func (c *Client) StopAcquisition(ctx context.Context) (bool, error) {
	return c.setAcquisition(ctx, false)
}

// WaitForAcquisitionEnd blocks until the server reports the acquisition
// is not in progress anymore, or until ctx is done.
func (c *Client) WaitForAcquisitionEnd(ctx context.Context) error {
	tick := time.NewTicker(c.poll)
	defer tick.Stop()

	for {
		ok, err := c.AcquisitionInProgress(ctx)
		if err != nil {
			return fmt.Errorf("acq: could not wait for acquisition end: %w", err)
		}
		if !ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("acq: could not wait for acquisition end: %w", ctx.Err())
		case <-tick.C:
		}
	}
}

// LoadTemplate sends the graph template file fname to the server.
func (c *Client) LoadTemplate(ctx context.Context, fname string) error {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return fmt.Errorf("acq: could not read template %q: %w", fname, err)
	}
	return c.LoadTemplateData(ctx, raw)
}

// LoadTemplateData sends the raw content of a graph template to the server.
func (c *Client) LoadTemplateData(ctx context.Context, raw []byte) error {
	data := xmlrpc.Base64(base64.StdEncoding.EncodeToString(raw))
	return c.call(ctx, "loadTemplate", nil, data)
}

// DataConnectionMethod returns the data connection method of the server.
func (c *Client) DataConnectionMethod(ctx context.Context) (ConnectionMethod, error) {
	var m string
	err := c.call(ctx, "getDataConnectionMethod", &m)
	return ConnectionMethod(m), err
}

// ChangeDataConnectionMethod sets the data connection method of the server.
func (c *Client) ChangeDataConnectionMethod(ctx context.Context, m ConnectionMethod) error {
	return c.call(ctx, "changeDataConnectionMethod", nil, string(m))
}

// TransportFormat returns the encoding of samples on data connections.
func (c *Client) TransportFormat(ctx context.Context) (TransportFormat, error) {
	var f wireFormat
	err := c.call(ctx, "getTransportFormat", &f)
	return TransportFormat{Type: f.Type, ByteOrder: f.ByteOrder}, err
}

// ChangeTransportFormat sets the encoding of samples on data connections.
func (c *Client) ChangeTransportFormat(ctx context.Context, f TransportFormat) error {
	err := f.Validate()
	if err != nil {
		return err
	}
	return c.call(ctx, "changeTransportFormat", nil, wireFormat{Type: f.Type, ByteOrder: f.ByteOrder})
}

// SamplingRate returns the hardware acquisition rate, in samples per second.
func (c *Client) SamplingRate(ctx context.Context) (float64, error) {
	var rate float64
	err := c.call(ctx, "getSamplingRate", &rate)
	return rate, err
}

func (c *Client) channels(ctx context.Context, method string, args ...interface{}) ([]Channel, error) {
	var infos []wireChannelInfo
	err := c.call(ctx, method, &infos, args...)
	if err != nil {
		return nil, err
	}
	chans := make([]Channel, len(infos))
	for i, info := range infos {
		chans[i] = info.channel()
	}
	return chans, nil
}

// Channels returns the channels of the given type defined in the
// current template.
func (c *Client) Channels(ctx context.Context, typ ChannelType) ([]Channel, error) {
	return c.channels(ctx, "getChannels", string(typ))
}

// AllChannels returns the channels of all types defined in the current
// template, analog first, then digital, then calculation channels.
func (c *Client) AllChannels(ctx context.Context) ([]Channel, error) {
	var all []Channel
	for _, typ := range ChannelTypes {
		chans, err := c.Channels(ctx, typ)
		if err != nil {
			return nil, err
		}
		all = append(all, chans...)
	}
	return all, nil
}

// EnabledChannels returns the channels enabled for acquisition.
func (c *Client) EnabledChannels(ctx context.Context) ([]Channel, error) {
	return c.channels(ctx, "getEnabledChannels")
}

// ChannelLabel returns the user label of a channel.
func (c *Client) ChannelLabel(ctx context.Context, ch Channel) (string, error) {
	var label string
	err := c.call(ctx, "getChannelLabel", &label, wireFrom(ch))
	return label, err
}

// Deliver enables or disables the delivery of a channel's samples over
// the data connections.
func (c *Client) Deliver(ctx context.Context, ch Channel, enable bool) error {
	return c.call(ctx, "setDataDeliveryEnabled", nil, wireFrom(ch), enable)
}

// DeliverAllEnabledChannels enables data delivery for every enabled
// channel and returns those channels.
func (c *Client) DeliverAllEnabledChannels(ctx context.Context) ([]Channel, error) {
	chans, err := c.EnabledChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("acq: could not retrieve enabled channels: %w", err)
	}
	for _, ch := range chans {
		err = c.Deliver(ctx, ch, true)
		if err != nil {
			return nil, fmt.Errorf("acq: could not enable delivery of %v: %w", ch, err)
		}
	}
	return chans, nil
}

// DataConnectionPort returns the TCP port on which the server delivers
// ch in multiple connection mode.
func (c *Client) DataConnectionPort(ctx context.Context, ch Channel) (int, error) {
	var port int
	err := c.call(ctx, "getDataConnectionPort", &port, wireFrom(ch))
	return port, err
}

// ChangeDataConnectionPort sets the TCP port used to deliver ch in
// multiple connection mode.
func (c *Client) ChangeDataConnectionPort(ctx context.Context, ch Channel, port int) error {
	return c.call(ctx, "changeDataConnectionPort", nil, wireFrom(ch), port)
}

// SingleConnectionModePort returns the TCP port used in single
// connection mode.
func (c *Client) SingleConnectionModePort(ctx context.Context) (int, error) {
	var port int
	err := c.call(ctx, "getSingleConnectionModePort", &port)
	return port, err
}

// ChangeSingleConnectionModePort sets the TCP port used in single
// connection mode.
func (c *Client) ChangeSingleConnectionModePort(ctx context.Context, port int) error {
	return c.call(ctx, "changeSingleConnectionModePort", nil, port)
}

// SetOutputChannel sets the level of an output line, in Volts for
// analog outputs.
func (c *Client) SetOutputChannel(ctx context.Context, out OutputChannel, v float64) error {
	ch := wireChannel{Type: string(out.Type), Index: out.Index}
	return c.call(ctx, "setOutputChannel", nil, ch, v)
}

// InsertGlobalEvent inserts an event marker in the acquired graph.
func (c *Client) InsertGlobalEvent(ctx context.Context, label, typ, channel string) error {
	return c.call(ctx, "insertGlobalEvent", nil, label, typ, channel)
}

// MostRecentSample returns the last acquired amplitude of ch.
func (c *Client) MostRecentSample(ctx context.Context, ch Channel) (float64, error) {
	var v float64
	err := c.call(ctx, "getMostRecentSampleValue", &v, wireFrom(ch))
	return v, err
}

// Prepare brings the server to a known state: it stops any acquisition
// in progress, loads the template fname and switches the data
// connection method to m.
func (c *Client) Prepare(ctx context.Context, fname string, m ConnectionMethod) error {
	stopped, err := c.StopAcquisition(ctx)
	if err != nil {
		return fmt.Errorf("acq: could not stop current acquisition: %w", err)
	}
	if stopped {
		c.msg.Printf("current data acquisition stopped")
	}

	c.msg.Printf("loading template %s", fname)
	err = c.LoadTemplate(ctx, fname)
	if err != nil {
		return fmt.Errorf("acq: could not load template: %w", err)
	}

	cur, err := c.DataConnectionMethod(ctx)
	if err != nil {
		return fmt.Errorf("acq: could not retrieve data connection method: %w", err)
	}
	if cur != m {
		err = c.ChangeDataConnectionMethod(ctx, m)
		if err != nil {
			return fmt.Errorf("acq: could not change data connection method: %w", err)
		}
		c.msg.Printf("data connection method changed to: %s", m)
	}

	return nil
}
