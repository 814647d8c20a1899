// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package acq holds a client for the control plane of AcqKnowledge
// acquisition servers: discovery, template upload, channel selection
// and acquisition toggling.
package acq // import "github.com/go-lpc/ndt/acq"

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultPort   = 15010 // XML-RPC control port
	DiscoveryPort = 15011 // UDP discovery port
)

// ChannelType is the kind of an acquisition channel.
type ChannelType string

const (
	Analog  ChannelType = "analog"
	Digital ChannelType = "digital"
	Calc    ChannelType = "calc"
)

// ChannelTypes lists all the channel types known to a server.
var ChannelTypes = []ChannelType{Analog, Digital, Calc}

// Channel identifies an acquisition channel.
type Channel struct {
	Type  ChannelType
	Index int

	// SamplingDivider is the ratio between the hardware sampling rate
	// and the channel sampling rate.
	// A channel is present in the hardware frames whose index is a
	// multiple of its divider.
	SamplingDivider int
}

func (ch Channel) String() string {
	return fmt.Sprintf("%s%d", ch.Type, ch.Index)
}

// ParseChannel parses a channel name, as returned by Channel.String.
func ParseChannel(s string) (Channel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, typ := range ChannelTypes {
		if !strings.HasPrefix(s, string(typ)) {
			continue
		}
		idx, err := strconv.Atoi(s[len(typ):])
		if err != nil || idx < 0 {
			return Channel{}, fmt.Errorf("acq: invalid channel index in %q", s)
		}
		return Channel{Type: typ, Index: idx}, nil
	}
	return Channel{}, fmt.Errorf("acq: invalid channel type in %q", s)
}

// Divider returns the sampling divider of the channel, 1 if unset.
func (ch Channel) Divider() int {
	if ch.SamplingDivider <= 0 {
		return 1
	}
	return ch.SamplingDivider
}

// Is returns whether ch and o identify the same channel.
func (ch Channel) Is(o Channel) bool {
	return ch.Type == o.Type && ch.Index == o.Index
}

// OutputChannel identifies an analog or digital output line.
type OutputChannel struct {
	Type  ChannelType
	Index int
}

func (out OutputChannel) String() string {
	return fmt.Sprintf("%s-out%d", out.Type, out.Index)
}

// ConnectionMethod describes how sample data is delivered to clients.
type ConnectionMethod string

const (
	// Single delivers all channels interleaved over one TCP connection.
	Single ConnectionMethod = "single"
	// Multiple delivers each channel over its own TCP connection.
	Multiple ConnectionMethod = "multiple"
)

// ParseConnectionMethod parses a connection method name.
func ParseConnectionMethod(s string) (ConnectionMethod, error) {
	switch m := ConnectionMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case Single, Multiple:
		return m, nil
	default:
		return "", fmt.Errorf("acq: invalid connection method %q", s)
	}
}

// TransportFormat describes the encoding of samples on the data connections.
type TransportFormat struct {
	Type      string // double, float or short
	ByteOrder string // little or big
}

// DefaultTransportFormat is the transport format used when none is configured.
var DefaultTransportFormat = TransportFormat{Type: "double", ByteOrder: "little"}

// Validate checks the transport format is one the stream package can decode.
func (f TransportFormat) Validate() error {
	switch f.Type {
	case "double", "float", "short":
	default:
		return fmt.Errorf("acq: invalid transport sample type %q", f.Type)
	}
	switch f.ByteOrder {
	case "little", "big":
	default:
		return fmt.Errorf("acq: invalid transport byte order %q", f.ByteOrder)
	}
	return nil
}

// SampleSize returns the size in bytes of one encoded sample.
func (f TransportFormat) SampleSize() int {
	switch f.Type {
	case "double":
		return 8
	case "float":
		return 4
	case "short":
		return 2
	}
	return 0
}

// wire representations, as exchanged with the XML-RPC server.

type wireChannel struct {
	Type  string `xmlrpc:"type"`
	Index int    `xmlrpc:"index"`
}

type wireChannelInfo struct {
	Type    string `xmlrpc:"type"`
	Index   int    `xmlrpc:"index"`
	Divider int    `xmlrpc:"samplingDivider"`
}

type wireFormat struct {
	Type      string `xmlrpc:"type"`
	ByteOrder string `xmlrpc:"byteOrder"`
}

func wireFrom(ch Channel) wireChannel {
	return wireChannel{Type: string(ch.Type), Index: ch.Index}
}

func (w wireChannelInfo) channel() Channel {
	return Channel{
		Type:            ChannelType(w.Type),
		Index:           w.Index,
		SamplingDivider: w.Divider,
	}
}
