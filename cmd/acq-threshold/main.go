// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command acq-threshold halts an acquisition when the amplitude of the
// first enabled channel rises sharply.
//
// Connect the analog output 0 of the acquisition unit to its first analog
// input channel. acq-threshold sets the analog output 0 to 0 Volts, starts
// an acquisition and flips the output to 5 Volts after a delay. Once the
// maximum of the first channel over a sliding window jumped by more than
// the threshold, the acquisition is halted and a mail alert is sent, if
// configured.
//
// Usage: acq-threshold [OPTIONS]
//
// Example:
//
//	$> acq-threshold -window 3s -delay 10s
//	acq-threshold: loading template resources/basic-rhy-resp-sample.gtl
//	acq-threshold: setting analog output 0 to 0 Volts...
//	acq-threshold: flipping output voltage to 5 Volts...
//	acq-threshold: data queue's max changed by more than 1V (0.1V -> 5.1V) from the previous max; halting acquisition
package main // import "github.com/go-lpc/ndt/cmd/acq-threshold"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/internal/alert"
	"github.com/go-lpc/ndt/internal/config"
	"github.com/go-lpc/ndt/stream"
	"github.com/go-lpc/ndt/threshold"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetPrefix("acq-threshold: ")
	log.SetFlags(0)

	var (
		cfgFile = flag.String("cfg", "", "path to configuration file")
		addr    = flag.String("addr", "", "AcqKnowledge server [address]:port (default: discover)")
		tmpl    = flag.String("template", "basic-rhy-resp-sample.gtl", "template to load")
		port    = flag.Int("port", 0, "single connection mode port (default: server's)")
	)

	var p params
	flag.DurationVar(&p.window, "window", 3*time.Second, "duration of the sliding window")
	flag.Float64Var(&p.thresh, "thresh", threshold.DefaultThreshold, "rise of the windowed maximum halting the acquisition, in Volts")
	flag.DurationVar(&p.delay, "delay", 10*time.Second, "delay before flipping the analog output")
	flag.Float64Var(&p.volts, "volts", 5, "voltage of the analog output after the delay")

	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	p.tmpl = *tmpl
	p.port = *port

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err = run(ctx, os.Stdout, cfg, p)
	if err != nil {
		log.Fatalf("could not run acq-threshold: %+v", err)
	}
}

type params struct {
	tmpl   string
	port   int
	window time.Duration
	thresh float64
	delay  time.Duration
	volts  float64
}

// output is the analog output wired to the monitored input.
var output = acq.OutputChannel{Type: acq.Analog, Index: 0}

// flipper announces the changes of the output level.
type flipper struct {
	ctl threshold.OutputSetter
	msg *log.Logger
}

func (f flipper) SetOutputChannel(ctx context.Context, out acq.OutputChannel, v float64) error {
	f.msg.Printf("flipping output voltage to %g Volts...", v)
	return f.ctl.SetOutputChannel(ctx, out, v)
}

func run(ctx context.Context, stdout io.Writer, cfg config.Config, p params) error {
	msg := log.New(stdout, "acq-threshold: ", 0)

	srv, err := cfg.Connect(ctx, msg)
	if err != nil {
		if errors.Is(err, acq.ErrNoServer) {
			fmt.Fprintf(stdout, "No AcqKnowledge servers found!\n")
			return nil
		}
		return fmt.Errorf("could not connect to AcqKnowledge server: %w", err)
	}
	defer srv.Close()

	err = srv.Prepare(ctx, cfg.Template(p.tmpl), acq.Single)
	if err != nil {
		return fmt.Errorf("could not prepare acquisition: %w", err)
	}

	err = srv.ChangeTransportFormat(ctx, cfg.TransportFormat())
	if err != nil {
		return fmt.Errorf("could not change transport format: %w", err)
	}

	chans, err := srv.DeliverAllEnabledChannels(ctx)
	if err != nil {
		return fmt.Errorf("could not enable data delivery: %w", err)
	}
	if len(chans) == 0 {
		return fmt.Errorf("no enabled channel")
	}
	mon := chans[0]

	rate, err := srv.SamplingRate(ctx)
	if err != nil {
		return fmt.Errorf("could not retrieve sampling rate: %w", err)
	}
	size := threshold.WindowSize(rate, mon.Divider(), p.window.Seconds())

	mailer := cfg.Mailer()
	at := threshold.New(
		srv, mon, size,
		threshold.WithThreshold(p.thresh),
		threshold.WithLogger(msg),
		threshold.WithTrigger(func(evt threshold.Event) {
			notify(msg, mailer, srv.Addr(), mon, evt)
		}),
	)
	msg.Printf("monitoring %v over %d samples (%v)", mon, size, p.window)

	if p.port > 0 {
		err = srv.ChangeSingleConnectionModePort(ctx, p.port)
		if err != nil {
			return fmt.Errorf("could not change data connection port: %w", err)
		}
	}
	port, err := srv.SingleConnectionModePort(ctx)
	if err != nil {
		return fmt.Errorf("could not retrieve data connection port: %w", err)
	}

	data := stream.New(
		net.JoinHostPort("", strconv.Itoa(port)), chans,
		stream.WithFormat(cfg.TransportFormat()),
		stream.WithLogger(msg),
	)
	data.Register("AutoThreshold", at.Handle)

	err = data.Start(ctx)
	if err != nil {
		return fmt.Errorf("could not start data server: %w", err)
	}
	defer data.Stop()

	msg.Printf("setting analog output %d to 0 Volts...", output.Index)
	err = srv.SetOutputChannel(ctx, output, 0)
	if err != nil {
		return fmt.Errorf("could not reset %v: %w", output, err)
	}

	grp, tctx := errgroup.WithContext(ctx)
	tctx, cancel := context.WithCancel(tctx)
	defer cancel()
	grp.Go(func() error {
		err := threshold.SetOutputAfter(tctx, flipper{srv, msg}, output, p.volts, p.delay)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err = srv.ToggleAcquisition(ctx)
	if err != nil {
		return fmt.Errorf("could not start acquisition: %w", err)
	}

	err = srv.WaitForAcquisitionEnd(ctx)
	if err != nil {
		return fmt.Errorf("could not wait for acquisition end: %w", err)
	}
	cancel()

	err = grp.Wait()
	if err != nil {
		msg.Printf("could not flip analog output: %+v", err)
	}

	drain, stop := context.WithTimeout(ctx, cfg.Stream.Drain)
	defer stop()
	err = data.Shutdown(drain)
	if err != nil {
		msg.Printf("could not shutdown data server: %+v", err)
	}

	if !at.Stopped() {
		msg.Printf("acquisition ended without crossing the threshold")
	}

	return nil
}

func notify(msg *log.Logger, mailer alert.Mailer, srv string, ch acq.Channel, evt threshold.Event) {
	if mailer.Valid() != nil {
		return
	}
	err := mailer.Send(
		fmt.Sprintf("[acq-threshold] acquisition halted on %s", srv),
		fmt.Sprintf(
			"server:  %s\nchannel: %v\nindex:   %d\nmax:     %gV -> %gV (%+gV)\n",
			srv, ch, evt.Index, evt.Previous, evt.Current, evt.Delta(),
		),
	)
	if err != nil {
		msg.Printf("could not send mail alert: %+v", err)
	}
}
