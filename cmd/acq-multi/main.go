// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command acq-multi streams data from an AcqKnowledge server using the
// multiple TCP connections mode.
//
// Each enabled channel is delivered over its own data connection, handled
// by its own data server and recorder. Data servers are not synchronized:
// frames of different channels are printed in no particular order.
//
// Usage: acq-multi [OPTIONS]
//
// Example:
//
//	$> acq-multi -template basic-rhy-resp-sample.gtl
//	acq-multi: loading template resources/basic-rhy-resp-sample.gtl
//	acq-multi: data connection method changed to: multiple
//	analog0 | 0 | [0.0123]
//	calc0 | 0 | [0.0001]
//	analog1 | 0 | [0.9876]
//	[...]
package main // import "github.com/go-lpc/ndt/cmd/acq-multi"

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
	"sync"

	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/internal/config"
	"github.com/go-lpc/ndt/recorder"
	"github.com/go-lpc/ndt/stream"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetPrefix("acq-multi: ")
	log.SetFlags(0)

	var (
		cfgFile = flag.String("cfg", "", "path to configuration file")
		addr    = flag.String("addr", "", "AcqKnowledge server [address]:port (default: discover)")
		tmpl    = flag.String("template", "basic-rhy-resp-sample.gtl", "template to load")
		port    = flag.Int("port", 50505, "data connection port of the first channel")
		base    = flag.Int("base", 0, "base data connection port of the other channels (default: server's)")
		quiet   = flag.Bool("q", false, "do not print frames")
	)

	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err = run(ctx, os.Stdout, cfg, *tmpl, ports{first: *port, base: *base}, !*quiet)
	if err != nil {
		log.Fatalf("could not run acq-multi: %+v", err)
	}
}

// ports describes the data connection ports to configure.
// Zero values keep the ports chosen by the server.
type ports struct {
	first int // port of the first channel
	base  int // the i-th channel uses port base+i
}

func (p ports) at(i int) int {
	switch {
	case i == 0:
		return p.first
	case p.base > 0:
		return p.base + i
	default:
		return 0
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

func run(ctx context.Context, stdout io.Writer, cfg config.Config, tmpl string, ps ports, display bool) error {
	stdout = &syncWriter{w: stdout}
	msg := log.New(stdout, "acq-multi: ", 0)

	srv, err := cfg.Connect(ctx, msg)
	if err != nil {
		if errors.Is(err, acq.ErrNoServer) {
			fmt.Fprintf(stdout, "No AcqKnowledge servers found!\n")
			return nil
		}
		return fmt.Errorf("could not connect to AcqKnowledge server: %w", err)
	}
	defer srv.Close()

	err = srv.Prepare(ctx, cfg.Template(tmpl), acq.Multiple)
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

	var (
		datas = make([]*stream.Server, 0, len(chans))
		recs  = make([]*recorder.Recorder, 0, len(chans))
	)
	defer func() {
		for _, data := range datas {
			_ = data.Stop()
		}
		for _, rec := range recs {
			_ = rec.Close()
		}
	}()

	for i, ch := range chans {
		if p := ps.at(i); p > 0 {
			err = srv.ChangeDataConnectionPort(ctx, ch, p)
			if err != nil {
				return fmt.Errorf("could not change data connection port of %v: %w", ch, err)
			}
		}

		port, err := srv.DataConnectionPort(ctx, ch)
		if err != nil {
			return fmt.Errorf("could not retrieve data connection port of %v: %w", ch, err)
		}

		rec, err := recorder.Create(recorder.FileName(cfg.Resources, "multi-", ch), ch)
		if err != nil {
			return fmt.Errorf("could not create recorder for %v: %w", ch, err)
		}
		recs = append(recs, rec)

		data := stream.New(
			net.JoinHostPort("", strconv.Itoa(port)), []acq.Channel{ch},
			stream.WithFormat(cfg.TransportFormat()),
			stream.WithLogger(msg),
		)
		if display {
			name := ch.String()
			data.Register("OutputToScreen", func(ctx context.Context, f stream.Frame) error {
				_, err := fmt.Fprintf(stdout, "%s | %d | %v\n", name, f.Index, f.Values)
				return err
			})
		}
		data.Register("BinaryWriter", rec.Write)

		err = data.Start(ctx)
		if err != nil {
			return fmt.Errorf("could not start data server for %v: %w", ch, err)
		}
		datas = append(datas, data)
	}

	err = srv.ToggleAcquisition(ctx)
	if err != nil {
		return fmt.Errorf("could not start acquisition: %w", err)
	}

	err = srv.WaitForAcquisitionEnd(ctx)
	if err != nil {
		return fmt.Errorf("could not wait for acquisition end: %w", err)
	}

	drain, cancel := context.WithTimeout(ctx, cfg.Stream.Drain)
	defer cancel()

	var grp errgroup.Group
	for i := range datas {
		data := datas[i]
		grp.Go(func() error {
			return data.Shutdown(drain)
		})
	}
	err = grp.Wait()
	if err != nil {
		msg.Printf("could not shutdown data servers: %+v", err)
	}

	for _, rec := range recs {
		err = rec.Close()
		if err != nil {
			return fmt.Errorf("could not close recorder for %v: %w", rec.Channel(), err)
		}
		msg.Printf("recorded %d samples of %v into %s", rec.Samples(), rec.Channel(), rec.Name())
	}

	return nil
}
