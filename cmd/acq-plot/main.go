// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command acq-plot plots the data of a calculation channel as it is
// streamed from an AcqKnowledge server.
//
// The plot is periodically redrawn into a PNG file. A "screen refresh"
// global event is inserted in the acquisition at every redraw.
//
// Usage: acq-plot [OPTIONS]
//
// Example:
//
//	$> acq-plot -template sinewave.gtl -o plotchan.png
//	acq-plot: loading template resources/sinewave.gtl
//	acq-plot: plot of calc0 saved into plotchan.png (42 refreshes)
package main // import "github.com/go-lpc/ndt/cmd/acq-plot"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/internal/config"
	"github.com/go-lpc/ndt/stream"
	"go-hep.org/x/hep/hplot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

func main() {
	log.SetPrefix("acq-plot: ")
	log.SetFlags(0)

	var (
		cfgFile = flag.String("cfg", "", "path to configuration file")
		addr    = flag.String("addr", "", "AcqKnowledge server [address]:port (default: discover)")
	)

	var p params
	flag.StringVar(&p.tmpl, "template", "sinewave.gtl", "template to load")
	flag.IntVar(&p.port, "port", 0, "single connection mode port (default: server's)")
	flag.StringVar(&p.oname, "o", "plotchan.png", "path to output plot file")
	flag.DurationVar(&p.refresh, "refresh", 100*time.Millisecond, "plot refresh interval")
	flag.IntVar(&p.npts, "n", 1000, "number of points to display")

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

	err = run(ctx, os.Stdout, cfg, p)
	if err != nil {
		log.Fatalf("could not run acq-plot: %+v", err)
	}
}

type params struct {
	tmpl    string
	port    int
	oname   string
	refresh time.Duration
	npts    int
}

func run(ctx context.Context, stdout io.Writer, cfg config.Config, p params) error {
	msg := log.New(stdout, "acq-plot: ", 0)

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

	calcs, err := srv.Channels(ctx, acq.Calc)
	if err != nil {
		return fmt.Errorf("could not retrieve calculation channels: %w", err)
	}
	if len(calcs) == 0 {
		return fmt.Errorf("template %q defines no calculation channel", p.tmpl)
	}
	ch := calcs[0]

	err = srv.Deliver(ctx, ch, true)
	if err != nil {
		return fmt.Errorf("could not enable delivery of %v: %w", ch, err)
	}

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

	cnv := newCanvas(ch, p.npts)
	data := stream.New(
		net.JoinHostPort("", strconv.Itoa(port)), []acq.Channel{ch},
		stream.WithFormat(cfg.TransportFormat()),
		stream.WithLogger(msg),
	)
	data.Register("UpdatePlot", cnv.handle)

	err = data.Start(ctx)
	if err != nil {
		return fmt.Errorf("could not start data server: %w", err)
	}
	defer data.Stop()

	err = srv.ToggleAcquisition(ctx)
	if err != nil {
		return fmt.Errorf("could not start acquisition: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- srv.WaitForAcquisitionEnd(ctx)
	}()

	tick := time.NewTicker(p.refresh)
	defer tick.Stop()

	nrefresh := 0
loop:
	for {
		select {
		case err = <-done:
			if err != nil {
				return fmt.Errorf("could not wait for acquisition end: %w", err)
			}
			break loop
		case <-tick.C:
			ok, err := cnv.draw(p.oname)
			if err != nil {
				return fmt.Errorf("could not refresh plot: %w", err)
			}
			if !ok {
				continue
			}
			nrefresh++
			err = srv.InsertGlobalEvent(ctx, "screen refresh", "defl", "")
			if err != nil {
				return fmt.Errorf("could not insert screen refresh event: %w", err)
			}
		}
	}

	drain, cancel := context.WithTimeout(ctx, cfg.Stream.Drain)
	defer cancel()
	err = data.Shutdown(drain)
	if err != nil {
		msg.Printf("could not shutdown data server: %+v", err)
	}

	ok, err := cnv.draw(p.oname)
	if err != nil {
		return fmt.Errorf("could not draw plot: %w", err)
	}
	if !ok {
		return fmt.Errorf("not enough data to plot %v", ch)
	}
	msg.Printf("plot of %v saved into %s (%d refreshes)", ch, p.oname, nrefresh)

	return nil
}

// canvas holds the most recent amplitudes of a channel.
type canvas struct {
	ch acq.Channel

	mu   sync.Mutex
	n    int
	data []float64 // ring buffer
	beg  uint64    // channel sample index of the oldest amplitude
	cur  uint64    // number of amplitudes received
}

func newCanvas(ch acq.Channel, n int) *canvas {
	if n < 3 {
		n = 3
	}
	return &canvas{ch: ch, n: n, data: make([]float64, 0, n)}
}

func (cnv *canvas) handle(ctx context.Context, f stream.Frame) error {
	v, ok := f.Value(cnv.ch)
	if !ok {
		return nil
	}

	cnv.mu.Lock()
	defer cnv.mu.Unlock()

	if len(cnv.data) < cnv.n {
		cnv.data = append(cnv.data, v)
	} else {
		cnv.data[cnv.cur%uint64(cnv.n)] = v
		cnv.beg++
	}
	cnv.cur++
	return nil
}

// points returns the amplitudes in acquisition order.
func (cnv *canvas) points() plotter.XYs {
	cnv.mu.Lock()
	defer cnv.mu.Unlock()

	xys := make(plotter.XYs, len(cnv.data))
	for i := range xys {
		j := cnv.beg + uint64(i)
		xys[i].X = float64(j)
		xys[i].Y = cnv.data[j%uint64(cnv.n)]
	}
	return xys
}

// draw renders the plot into fname. draw reports whether enough
// amplitudes were received to draw a line.
func (cnv *canvas) draw(fname string) (bool, error) {
	xys := cnv.points()
	if len(xys) <= 2 {
		return false, nil
	}

	p := hplot.New()
	p.Title.Text = cnv.ch.String()
	p.X.Label.Text = "sample"
	p.Y.Label.Text = "amplitude [V]"

	line, err := plotter.NewLine(xys)
	if err != nil {
		return false, fmt.Errorf("could not create line plot: %w", err)
	}
	line.LineStyle.Color = color.RGBA{B: 255, A: 255}

	p.Add(line, hplot.NewGrid())

	err = p.Save(25*vg.Centimeter, 7.5*vg.Centimeter, fname)
	if err != nil {
		return false, fmt.Errorf("could not save plot: %w", err)
	}
	return true, nil
}
