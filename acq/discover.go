// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// DiscoverRequest is the payload of a discovery datagram.
	DiscoverRequest = "acqndt:discover"

	defaultDiscoverTimeout = 2 * time.Second
)

// ErrNoServer is returned when no server answered a discovery request.
var ErrNoServer = errors.New("acq: no AcqKnowledge server found")

// ServerInfo describes a server that answered a discovery request.
type ServerInfo struct {
	Name    string `json:"name"`
	Port    int    `json:"port"`
	Version string `json:"version,omitempty"`

	Addr string `json:"-"` // XML-RPC [host]:port address
}

// DefaultBroadcast returns the address discovery requests are sent to
// when none is provided.
func DefaultBroadcast() string {
	return net.JoinHostPort(net.IPv4bcast.String(), strconv.Itoa(DiscoveryPort))
}

// Discover broadcasts a discovery request to bcast and collects the
// answers until ctx is done.
// If ctx has no deadline, answers are collected for 2 seconds.
// An empty bcast uses DefaultBroadcast.
func Discover(ctx context.Context, bcast string) ([]ServerInfo, error) {
	return discover(ctx, bcast, false)
}

// QuickConnect dials the first server answering a discovery request
// sent to bcast. It returns ErrNoServer if no server answered.
func QuickConnect(ctx context.Context, bcast string, opts ...Option) (*Client, error) {
	srvs, err := discover(ctx, bcast, true)
	if err != nil {
		return nil, err
	}
	if len(srvs) == 0 {
		return nil, ErrNoServer
	}
	return Dial(srvs[0].Addr, opts...)
}

func discover(ctx context.Context, bcast string, first bool) ([]ServerInfo, error) {
	if bcast == "" {
		bcast = DefaultBroadcast()
	}

	dst, err := net.ResolveUDPAddr("udp4", bcast)
	if err != nil {
		return nil, fmt.Errorf("acq: could not resolve discovery address %q: %w", bcast, err)
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("acq: could not create discovery socket: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultDiscoverTimeout)
	}
	err = conn.SetReadDeadline(deadline)
	if err != nil {
		return nil, fmt.Errorf("acq: could not set discovery deadline: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	_, err = conn.WriteTo([]byte(DiscoverRequest), dst)
	if err != nil {
		return nil, fmt.Errorf("acq: could not send discovery request to %q: %w", bcast, err)
	}

	var (
		srvs []ServerInfo
		seen = make(map[string]bool)
		buf  = make([]byte, 1024)
	)
	for {
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				break
			}
			return srvs, fmt.Errorf("acq: could not read discovery reply: %w", err)
		}

		info, err := parseReply(buf[:n], src)
		if err != nil {
			// not one of ours.
			continue
		}
		if seen[info.Addr] {
			continue
		}
		seen[info.Addr] = true
		srvs = append(srvs, info)
		if first {
			break
		}
	}

	return srvs, nil
}

func parseReply(p []byte, src net.Addr) (ServerInfo, error) {
	var info ServerInfo
	err := json.Unmarshal(p, &info)
	if err != nil {
		return info, fmt.Errorf("acq: could not decode discovery reply: %w", err)
	}
	if info.Port <= 0 {
		info.Port = DefaultPort
	}

	host := src.String()
	if udp, ok := src.(*net.UDPAddr); ok {
		host = udp.IP.String()
	} else if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	info.Addr = net.JoinHostPort(host, strconv.Itoa(info.Port))
	return info, nil
}
