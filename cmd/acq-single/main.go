// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command acq-single streams data from an AcqKnowledge server using the
// single TCP connection mode.
//
// All the enabled channels are delivered over a single data connection.
// Every frame is printed on screen and the samples of the first enabled
// channel are recorded on disk, in the resources directory.
//
// Usage: acq-single [OPTIONS]
//
// Example:
//
//	$> acq-single -template basic-rhy-resp-sample.gtl
//	acq-single: loading template resources/basic-rhy-resp-sample.gtl
//	0 | [0.0123 0.9876 0.0001]
//	2 | [0.0131]
//	[...]
package main // import "github.com/go-lpc/ndt/cmd/acq-single"

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
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/internal/config"
	"github.com/go-lpc/ndt/internal/procmon"
	"github.com/go-lpc/ndt/recorder"
	"github.com/go-lpc/ndt/runlog"
	"github.com/go-lpc/ndt/stream"
)

func main() {
	log.SetPrefix("acq-single: ")
	log.SetFlags(0)

	var (
		cfgFile = flag.String("cfg", "", "path to configuration file")
		addr    = flag.String("addr", "", "AcqKnowledge server [address]:port (default: discover)")
		tmpl    = flag.String("template", "basic-rhy-resp-sample.gtl", "template to load")
		port    = flag.Int("port", 0, "single connection mode port (default: server's)")
		quiet   = flag.Bool("q", false, "do not print frames")
		dsn     = flag.String("runlog", "", "run log database DSN (default: from configuration)")
		doMon   = flag.Bool("pmon", false, "enable pmon monitoring")
		doFreq  = flag.Duration("freq", 1*time.Second, "pmon frequency")
	)

	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dsn != "" {
		cfg.RunLog.DSN = *dsn
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	xrun := func() error {
		return run(ctx, os.Stdout, cfg, *tmpl, *port, !*quiet)
	}
	if *doMon {
		fname := filepath.Join(cfg.Resources, "acq-single-pmon.log")
		err = monitored(fname, *doFreq, xrun)
	} else {
		err = xrun()
	}
	if err != nil {
		cancel()
		log.Fatalf("could not run acq-single: %+v", err)
	}
}

var startMon = procmon.Start

// monitored runs f while pmon logs the resource usage of this process
// into fname.
// The pmon log file is closed before monitored returns.
func monitored(fname string, freq time.Duration, f func() error) error {
	stop, err := startMon(os.Getpid(), fname, freq, log.Default())
	if err != nil {
		return fmt.Errorf("could not start pmon: %w", err)
	}
	defer stop()

	return f()
}

func run(ctx context.Context, stdout io.Writer, cfg config.Config, tmpl string, port int, display bool) error {
	msg := log.New(stdout, "acq-single: ", 0)

	srv, err := cfg.Connect(ctx, msg)
	if err != nil {
		if errors.Is(err, acq.ErrNoServer) {
			fmt.Fprintf(stdout, "No AcqKnowledge servers found!\n")
			return nil
		}
		return fmt.Errorf("could not connect to AcqKnowledge server: %w", err)
	}
	defer srv.Close()

	err = srv.Prepare(ctx, cfg.Template(tmpl), acq.Single)
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

	if port > 0 {
		err = srv.ChangeSingleConnectionModePort(ctx, port)
		if err != nil {
			return fmt.Errorf("could not change data connection port: %w", err)
		}
	}
	port, err = srv.SingleConnectionModePort(ctx)
	if err != nil {
		return fmt.Errorf("could not retrieve data connection port: %w", err)
	}

	rec, err := recorder.Create(recorder.FileName(cfg.Resources, "", chans[0]), chans[0])
	if err != nil {
		return fmt.Errorf("could not create recorder: %w", err)
	}
	defer rec.Close()

	data := stream.New(
		net.JoinHostPort("", strconv.Itoa(port)), chans,
		stream.WithFormat(cfg.TransportFormat()),
		stream.WithLogger(msg),
	)
	if display {
		data.Register("OutputToScreen", func(ctx context.Context, f stream.Frame) error {
			_, err := fmt.Fprintf(stdout, "%d | %v\n", f.Index, f.Values)
			return err
		})
	}
	data.Register("BinaryRecorder", rec.Write)

	err = data.Start(ctx)
	if err != nil {
		return fmt.Errorf("could not start data server: %w", err)
	}
	defer data.Stop()

	rate, err := srv.SamplingRate(ctx)
	if err != nil {
		return fmt.Errorf("could not retrieve sampling rate: %w", err)
	}

	rlog, err := openRunLog(ctx, cfg.RunLog.DSN)
	if err != nil {
		return err
	}
	if rlog != nil {
		defer rlog.Close()
	}

	err = srv.ToggleAcquisition(ctx)
	if err != nil {
		return fmt.Errorf("could not start acquisition: %w", err)
	}

	var runID int64
	if rlog != nil {
		runID, err = rlog.Begin(ctx, runlog.Run{
			Server:   srv.Addr(),
			Template: cfg.Template(tmpl),
			Method:   acq.Single,
			Channels: chans,
			Rate:     rate,
		})
		if err != nil {
			msg.Printf("could not log run: %+v", err)
			rlog = nil
		}
	}

	err = srv.WaitForAcquisitionEnd(ctx)
	if err != nil {
		return fmt.Errorf("could not wait for acquisition end: %w", err)
	}

	drain, cancel := context.WithTimeout(ctx, cfg.Stream.Drain)
	defer cancel()
	err = data.Shutdown(drain)
	if err != nil {
		msg.Printf("could not shutdown data server: %+v", err)
	}

	err = rec.Close()
	if err != nil {
		return fmt.Errorf("could not close recorder: %w", err)
	}
	msg.Printf("recorded %d samples of %v into %s", rec.Samples(), rec.Channel(), rec.Name())

	if rlog != nil {
		err = rlog.End(ctx, runID, time.Now().UTC(), rec.Samples())
		if err != nil {
			msg.Printf("could not log end of run %d: %+v", runID, err)
		}
	}

	return nil
}

func openRunLog(ctx context.Context, dsn string) (*runlog.DB, error) {
	if dsn == "" {
		return nil, nil
	}

	db, err := runlog.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open run log: %w", err)
	}

	err = db.Init(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not initialize run log: %w", err)
	}

	return db, nil
}
