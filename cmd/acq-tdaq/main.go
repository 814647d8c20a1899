// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command acq-tdaq starts a TDAQ process driving an AcqKnowledge server.
//
// The process is configured from the acqndt.yaml file of the current
// directory and the ACQNDT_* environment variables.
// Frames are published on the /samples output.
package main // import "github.com/go-lpc/ndt/cmd/acq-tdaq"

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/ndt/internal/config"
	"github.com/go-lpc/ndt/node"
)

func main() {
	cmd := flags.New()

	log.SetPrefix(cmd.Args[0] + ": ")
	log.SetFlags(0)

	cfg, err := config.Load("")
	if err != nil {
		log.Panicf("could not load configuration: %+v", err)
	}

	var opts []node.Option
	if v := os.Getenv("ACQNDT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			log.Panicf("invalid data connection port %q: %+v", v, err)
		}
		opts = append(opts, node.WithPort(port))
	}
	opts = append(opts, node.WithLogger(log.Default()))

	dev := node.New(cmd.Args[0], cfg, opts...)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/samples", dev.Samples)

	srv.RunHandle(dev.Run)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
