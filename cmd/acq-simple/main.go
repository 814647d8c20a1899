// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command acq-simple locates an AcqKnowledge server, sends it a template
// and starts an acquisition.
//
// Usage: acq-simple [OPTIONS]
//
// Example:
//
//	$> acq-simple -template basic-rhy-resp-sample.gtl
//	acq-simple: loading template resources/basic-rhy-resp-sample.gtl
//	acq-simple: first channel name: RSP
//	acq-simple: acquisition started successfully.
package main // import "github.com/go-lpc/ndt/cmd/acq-simple"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/internal/config"
)

func main() {
	log.SetPrefix("acq-simple: ")
	log.SetFlags(0)

	var (
		cfgFile = flag.String("cfg", "", "path to configuration file")
		addr    = flag.String("addr", "", "AcqKnowledge server [address]:port (default: discover)")
		tmpl    = flag.String("template", "basic-rhy-resp-sample.gtl", "template to load")
		wait    = flag.Duration("wait", 1*time.Second, "delay before checking the acquisition started")
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

	err = run(ctx, os.Stdout, cfg, *tmpl, *wait)
	if err != nil {
		log.Fatalf("could not run acq-simple: %+v", err)
	}
}

func run(ctx context.Context, stdout io.Writer, cfg config.Config, tmpl string, wait time.Duration) error {
	msg := log.New(stdout, "acq-simple: ", 0)

	srv, err := cfg.Connect(ctx, msg)
	if err != nil {
		if errors.Is(err, acq.ErrNoServer) {
			fmt.Fprintf(stdout, "No AcqKnowledge servers found!\n")
			return nil
		}
		return fmt.Errorf("could not connect to AcqKnowledge server: %w", err)
	}
	defer srv.Close()

	stopped, err := srv.StopAcquisition(ctx)
	if err != nil {
		return fmt.Errorf("could not stop current acquisition: %w", err)
	}
	if stopped {
		msg.Printf("current data acquisition stopped")
	}

	fname := cfg.Template(tmpl)
	msg.Printf("loading template %s", fname)
	err = srv.LoadTemplate(ctx, fname)
	if err != nil {
		return fmt.Errorf("could not load template: %w", err)
	}

	chans, err := srv.AllChannels(ctx)
	if err != nil {
		return fmt.Errorf("could not retrieve channels: %w", err)
	}
	if len(chans) == 0 {
		return fmt.Errorf("template %q defines no channel", fname)
	}

	label, err := srv.ChannelLabel(ctx, chans[0])
	if err != nil {
		return fmt.Errorf("could not retrieve label of %v: %w", chans[0], err)
	}
	msg.Printf("first channel name: %s", label)

	err = srv.ToggleAcquisition(ctx)
	if err != nil {
		return fmt.Errorf("could not start acquisition: %w", err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	running, err := srv.AcquisitionInProgress(ctx)
	if err != nil {
		return fmt.Errorf("could not check acquisition state: %w", err)
	}
	if !running {
		return fmt.Errorf("the acquisition did not start")
	}

	msg.Printf("acquisition started successfully.")
	return nil
}
