// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fakeacq

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/stream"
	"golang.org/x/sync/errgroup"
)

// link is a data connection to establish when the acquisition starts.
type link struct {
	addr  string
	chans []acq.Channel
}

// launch starts an acquisition, delivering data to host.
// launch must be called with srv.mu held.
func (srv *Server) launch(host string) {
	var (
		links   []link
		deliver []acq.Channel
	)
	for _, ch := range srv.chans {
		if ch.deliver {
			deliver = append(deliver, ch.Channel.Channel)
		}
	}

	switch srv.method {
	case acq.Multiple:
		for _, ch := range srv.chans {
			if !ch.deliver {
				continue
			}
			links = append(links, link{
				addr:  net.JoinHostPort(host, strconv.Itoa(ch.port)),
				chans: []acq.Channel{ch.Channel.Channel},
			})
		}
	default:
		if len(deliver) > 0 {
			links = append(links, link{
				addr:  net.JoinHostPort(host, strconv.Itoa(srv.single)),
				chans: deliver,
			})
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.gen++
	srv.running = true
	srv.stop = cancel
	srv.done = make(chan struct{})
	srv.nsamples = 0

	srv.msg.Printf("acquisition started (%s, %d data connection(s))", srv.method, len(links))
	go srv.run(ctx, srv.gen, srv.done, links, srv.format)
}

// halt stops the current acquisition, if any, and returns a channel
// closed once its data connections are closed.
// halt must be called with srv.mu held.
func (srv *Server) halt() chan struct{} {
	if !srv.running {
		return nil
	}
	srv.running = false
	srv.stop()
	srv.msg.Printf("acquisition stopped")
	return srv.done
}

func (srv *Server) run(ctx context.Context, gen int, done chan struct{}, links []link, format acq.TransportFormat) {
	defer close(done)

	var (
		start = time.Now()
		limit = uint64(0)
	)
	if srv.dur > 0 {
		limit = uint64(srv.dur.Seconds() * srv.rate)
	}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if srv.dur <= 0 {
			<-ctx.Done()
			return nil
		}
		timer := time.NewTimer(srv.dur)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		return nil
	})
	for _, lnk := range links {
		lnk := lnk
		grp.Go(func() error {
			return srv.push(ctx, lnk, format, start, limit)
		})
	}

	err := grp.Wait()
	if err != nil {
		srv.msg.Printf("acquisition failed: %+v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.gen == gen && srv.running {
		srv.running = false
		srv.stop()
		srv.msg.Printf("acquisition ended")
	}
}

// push streams the samples of lnk.chans to lnk.addr, in real time, until
// ctx is done or limit hardware samples were sent (if limit is not 0).
func (srv *Server) push(ctx context.Context, lnk link, format acq.TransportFormat, start time.Time, limit uint64) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", lnk.addr)
	if err != nil {
		return fmt.Errorf("fakeacq: could not dial data connection %q: %w", lnk.addr, err)
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	enc, err := stream.NewEncoder(w, format, lnk.chans)
	if err != nil {
		return fmt.Errorf("fakeacq: could not create encoder: %w", err)
	}

	tick := time.NewTicker(srv.tick)
	defer tick.Stop()

	last := make(map[key]float64, len(lnk.chans))
	for {
		select {
		case <-ctx.Done():
			return w.Flush()
		case <-tick.C:
		}

		end := uint64(time.Since(start).Seconds() * srv.rate)
		if limit > 0 && end > limit {
			end = limit
		}
		for {
			idx, chans := enc.Next()
			if idx >= end {
				break
			}
			t := float64(idx) / srv.rate
			vs := make([]float64, len(chans))
			for i, ch := range chans {
				vs[i] = srv.sig(ch, idx, t)
				last[keyOf(ch)] = vs[i]
			}
			err = enc.Encode(vs...)
			if err != nil {
				return fmt.Errorf("fakeacq: could not push frame %d to %q: %w", idx, lnk.addr, err)
			}
		}

		err = w.Flush()
		if err != nil {
			return fmt.Errorf("fakeacq: could not flush data to %q: %w", lnk.addr, err)
		}

		srv.mu.Lock()
		for k, v := range last {
			srv.last[k] = v
		}
		if end > srv.nsamples {
			srv.nsamples = end
		}
		srv.mu.Unlock()

		if limit > 0 && end == limit {
			return nil
		}
	}
}
