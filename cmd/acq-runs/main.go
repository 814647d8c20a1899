// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command acq-runs lists the acquisitions recorded in the run log.
//
// Usage: acq-runs [OPTIONS]
//
// Example:
//
//	$> acq-runs -dsn "acq:acq@tcp(localhost:3306)/acqndt?parseTime=true" -n 2
//	ID  START                DURATION  SAMPLES  METHOD    RATE  SERVER           TEMPLATE
//	2   2022-03-04 11:20:30  running   0        multiple  500   127.0.0.1:15010  resources/sinewave.gtl
//	1   2022-03-04 10:20:30  1m0s      60000    single    1000  127.0.0.1:15010  resources/basic-rhy-resp-sample.gtl
package main // import "github.com/go-lpc/ndt/cmd/acq-runs"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/go-lpc/ndt/internal/config"
	"github.com/go-lpc/ndt/runlog"
)

func main() {
	log.SetPrefix("acq-runs: ")
	log.SetFlags(0)

	var (
		cfgFile = flag.String("cfg", "", "path to configuration file")
		dsn     = flag.String("dsn", "", "run log database DSN")
		n       = flag.Int("n", 10, "number of runs to display")
		chans   = flag.Bool("v", false, "display the delivered channels")
	)

	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}
	if *dsn != "" {
		cfg.RunLog.DSN = *dsn
	}
	if cfg.RunLog.DSN == "" {
		log.Fatalf("missing run log DSN")
	}

	db, err := runlog.Open(cfg.RunLog.DSN)
	if err != nil {
		log.Fatalf("could not open run log: %+v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = list(ctx, os.Stdout, db, *n, *chans)
	if err != nil {
		log.Fatalf("could not list runs: %+v", err)
	}
}

func list(ctx context.Context, w io.Writer, db *runlog.DB, n int, verbose bool) error {
	runs, err := db.Runs(ctx, n)
	if err != nil {
		return fmt.Errorf("could not retrieve runs: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tSTART\tDURATION\tSAMPLES\tMETHOD\tRATE\tSERVER\tTEMPLATE\t\n")
	for _, r := range runs {
		dur := "running"
		if !r.Stop.IsZero() {
			dur = r.Duration().String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%g\t%s\t%s\t\n",
			r.ID, r.Start.UTC().Format("2006-01-02 15:04:05"), dur,
			r.Samples, r.Method, r.Rate, r.Server, r.Template,
		)
		if verbose {
			fmt.Fprintf(tw, "\tchannels: %v\t\t\t\t\t\t\t\n", r.Channels)
		}
	}
	return tw.Flush()
}
