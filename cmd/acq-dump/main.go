// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command acq-dump decodes and displays channel recordings.
//
// Usage: acq-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> acq-dump -n 3 -hist analog0.png ./resources/analog-0.bin
//	=== ./resources/analog-0.bin ===
//	samples: 10000
//	min:     -0.099999
//	max:     +0.100000
//	mean:    +0.000012
//	stddev:   0.070711
//	     0 +0.000000
//	     1 +0.000157
//	     2 +0.000314
//	[...]
package main // import "github.com/go-lpc/ndt/cmd/acq-dump"

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"

	"github.com/go-lpc/ndt/recorder"
	"go-hep.org/x/hep/hbook"
	"go-hep.org/x/hep/hplot"
	"gonum.org/v1/plot/vg"
)

func main() {
	log.SetPrefix("acq-dump: ")
	log.SetFlags(0)

	var (
		nmax  = flag.Int("n", -1, "number of samples to display (-1: all)")
		hname = flag.String("hist", "", "path to output histogram plot (PNG, SVG, PDF)")
		nbins = flag.Int("bins", 100, "number of histogram bins")
	)

	flag.Usage = func() {
		fmt.Printf(`acq-dump decodes and displays channel recordings.

Usage: acq-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> acq-dump -n 3 -hist analog0.png ./resources/analog-0.bin

Options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing path to input recording")
	}
	if *hname != "" && flag.NArg() > 1 {
		log.Fatalf("histogram output requires a single input recording")
	}

	for _, fname := range flag.Args() {
		err := process(os.Stdout, fname, *nmax, *hname, *nbins)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

type stats struct {
	min, max  float64
	mean, std float64
}

func process(w io.Writer, fname string, nmax int, hname string, nbins int) error {
	r, err := recorder.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open recording: %w", err)
	}
	defer r.Close()

	fmt.Fprintf(w, "=== %s ===\n", fname)
	fmt.Fprintf(w, "samples: %d\n", r.Len())
	if r.Len() == 0 {
		if hname != "" {
			return fmt.Errorf("no sample to histogram")
		}
		return nil
	}

	h, st := histogram(r, nbins)
	fmt.Fprintf(w, "min:     %+f\n", st.min)
	fmt.Fprintf(w, "max:     %+f\n", st.max)
	fmt.Fprintf(w, "mean:    %+f\n", st.mean)
	fmt.Fprintf(w, "stddev:   %f\n", st.std)

	n := r.Len()
	if nmax >= 0 && nmax < n {
		n = nmax
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(w, "%6d %+f\n", i, r.At(i))
	}

	if hname != "" {
		err = plot(hname, fname, h)
		if err != nil {
			return fmt.Errorf("could not plot histogram: %w", err)
		}
	}

	return nil
}

func histogram(r *recorder.Reader, nbins int) (*hbook.H1D, stats) {
	st := stats{min: math.Inf(+1), max: math.Inf(-1)}
	for i := 0; i < r.Len(); i++ {
		v := r.At(i)
		st.min = math.Min(st.min, v)
		st.max = math.Max(st.max, v)
	}

	xmin, xmax := st.min, st.max
	if xmin == xmax {
		xmin -= 0.5
		xmax += 0.5
	}
	// make sure the maximum ends up in the last bin.
	xmax = math.Nextafter(xmax, math.Inf(+1))

	if nbins < 1 {
		nbins = 1
	}
	h := hbook.NewH1D(nbins, xmin, xmax)
	for i := 0; i < r.Len(); i++ {
		h.Fill(r.At(i), 1)
	}
	st.mean = h.XMean()
	st.std = h.XStdDev()
	if r.Len() < 2 {
		st.std = 0
	}
	return h, st
}

func plot(oname, title string, h *hbook.H1D) error {
	p := hplot.New()
	p.Title.Text = title
	p.X.Label.Text = "amplitude [V]"
	p.Y.Label.Text = "entries"

	hh := hplot.NewH1D(h)
	p.Add(hh, hplot.NewGrid())

	return p.Save(20*vg.Centimeter, 15*vg.Centimeter, oname)
}
