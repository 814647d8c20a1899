// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command acq-sim runs a simulated AcqKnowledge server.
//
// The simulated server answers discovery requests, accepts the XML-RPC
// control commands and delivers a breathing-like waveform on its data
// connections. Output channels are looped back on the inputs with the
// same type and index.
//
// Usage: acq-sim [OPTIONS]
//
// Example:
//
//	$> acq-sim -addr :15010 -disco :15011 -dur 30s
//	acq-sim: serving XML-RPC on [::]:15010
//	acq-sim: serving discovery on [::]:15011
package main // import "github.com/go-lpc/ndt/cmd/acq-sim"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"

	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/internal/fakeacq"
)

func main() {
	log.SetPrefix("acq-sim: ")
	log.SetFlags(0)

	var (
		addr  = flag.String("addr", ":"+strconv.Itoa(acq.DefaultPort), "[ip]:port to serve XML-RPC requests on")
		disco = flag.String("disco", ":"+strconv.Itoa(acq.DiscoveryPort), "[ip]:port to serve discovery requests on (empty to disable)")
		name  = flag.String("name", "acq-sim", "name of the simulated server")
		rate  = flag.Float64("rate", fakeacq.DefaultRate, "hardware sampling rate (Hz)")
		dur   = flag.Duration("dur", 0, "duration of acquisitions (0: until toggled)")
		host  = flag.String("data-host", "", "host to dial for data connections (default: the client's)")
	)

	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err := run(ctx, os.Stdout, *addr, *disco,
		fakeacq.WithName(*name),
		fakeacq.WithRate(*rate),
		fakeacq.WithDuration(*dur),
		fakeacq.WithDataHost(*host),
	)
	if err != nil {
		log.Fatalf("could not run acq-sim: %+v", err)
	}
}

func run(ctx context.Context, stdout io.Writer, addr, disco string, opts ...fakeacq.Option) error {
	msg := log.New(stdout, "acq-sim: ", 0)
	opts = append(opts, fakeacq.WithLogger(msg))

	srv := fakeacq.New(opts...)
	err := srv.Start(addr, disco)
	if err != nil {
		return fmt.Errorf("could not start simulated server: %w", err)
	}
	defer srv.Close()

	msg.Printf("serving XML-RPC on %s", srv.Addr())
	if disco != "" {
		msg.Printf("serving discovery on %s", srv.DiscoveryAddr())
	}

	<-ctx.Done()

	msg.Printf("shutting down...")
	err = srv.Close()
	if err != nil {
		return fmt.Errorf("could not close simulated server: %w", err)
	}
	return nil
}
