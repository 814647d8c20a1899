// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fakeacq

import (
	"fmt"
	"net"
	"net/http"
	"reflect"
	"unicode"

	"github.com/go-lpc/ndt/acq"
	"github.com/gorilla/rpc"
	"github.com/ochinchina/gorilla-xmlrpc/xml"
)

// key identifies a channel, regardless of its sampling divider.
type key struct {
	typ acq.ChannelType
	idx int
}

func keyOf(ch acq.Channel) key { return key{ch.Type, ch.Index} }

type wireChannel struct {
	Type  string `xml:"type"`
	Index int    `xml:"index"`
}

func (ch wireChannel) key() key { return key{acq.ChannelType(ch.Type), ch.Index} }

type wireChannelInfo struct {
	Type    string `xml:"type"`
	Index   int    `xml:"index"`
	Divider int    `xml:"samplingDivider"`
}

type wireFormat struct {
	Type      string `xml:"type"`
	ByteOrder string `xml:"byteOrder"`
}

// service implements the acq.* control methods.
// Parameters are decoded positionally into the fields of the args
// structs and every field of a reply struct is sent back as a result.
type service struct {
	srv *Server
}

// newRPC returns the XML-RPC handler serving the control methods of srv.
func newRPC(srv *Server) (*rpc.Server, error) {
	var (
		svc   = &service{srv: srv}
		codec = xml.NewCodec()
		hdlr  = rpc.NewServer()
	)
	hdlr.RegisterCodec(codec, "text/xml")
	err := hdlr.RegisterService(svc, "acq")
	if err != nil {
		return nil, fmt.Errorf("fakeacq: could not register acq service: %w", err)
	}

	for _, name := range methods(svc) {
		codec.RegisterAlias("acq."+lowerFirst(name), "acq."+name)
	}
	return hdlr, nil
}

// methods returns the names of the exported methods of svc.
func methods(svc interface{}) []string {
	rt := reflect.TypeOf(svc)
	names := make([]string, 0, rt.NumMethod())
	for i := 0; i < rt.NumMethod(); i++ {
		names = append(names, rt.Method(i).Name)
	}
	return names
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	rs := []rune(s)
	rs[0] = unicode.ToLower(rs[0])
	return string(rs)
}

// text returns the value of a string parameter.
// Empty strings are handed back by the codec as their raw XML.
func text(s string) string {
	switch s {
	case "<string></string>", "<string/>":
		return ""
	}
	return s
}

func (svc *service) host(r *http.Request) string {
	if svc.srv.host != "" {
		return svc.srv.host
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (svc *service) GetAcquisitionInProgress(r *http.Request, args *struct{}, reply *struct{ Running bool }) error {
	svc.srv.mu.Lock()
	defer svc.srv.mu.Unlock()
	reply.Running = svc.srv.running
	return nil
}

func (svc *service) ToggleAcquisition(r *http.Request, args *struct{}, reply *struct{ Running bool }) error {
	srv := svc.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.running {
		srv.halt()
		reply.Running = false
		return nil
	}
	srv.launch(svc.host(r))
	reply.Running = true
	return nil
}

func (svc *service) LoadTemplate(r *http.Request, args *struct{ Data []byte }, reply *struct{}) error {
	srv := svc.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.running {
		return fmt.Errorf("cannot load a template while acquiring")
	}
	srv.tmpl = append([]byte(nil), args.Data...)
	for _, ch := range srv.chans {
		ch.deliver = false
	}
	return nil
}

func (svc *service) GetDataConnectionMethod(r *http.Request, args *struct{}, reply *struct{ Method string }) error {
	svc.srv.mu.Lock()
	defer svc.srv.mu.Unlock()
	reply.Method = string(svc.srv.method)
	return nil
}

func (svc *service) ChangeDataConnectionMethod(r *http.Request, args *struct{ Method string }, reply *struct{}) error {
	m, err := acq.ParseConnectionMethod(text(args.Method))
	if err != nil {
		return err
	}
	svc.srv.mu.Lock()
	defer svc.srv.mu.Unlock()
	svc.srv.method = m
	return nil
}

func (svc *service) GetTransportFormat(r *http.Request, args *struct{}, reply *struct{ Format wireFormat }) error {
	svc.srv.mu.Lock()
	defer svc.srv.mu.Unlock()
	reply.Format = wireFormat{
		Type:      svc.srv.format.Type,
		ByteOrder: svc.srv.format.ByteOrder,
	}
	return nil
}

func (svc *service) ChangeTransportFormat(r *http.Request, args *struct{ Format wireFormat }, reply *struct{}) error {
	f := acq.TransportFormat{
		Type:      text(args.Format.Type),
		ByteOrder: text(args.Format.ByteOrder),
	}
	err := f.Validate()
	if err != nil {
		return err
	}
	svc.srv.mu.Lock()
	defer svc.srv.mu.Unlock()
	svc.srv.format = f
	return nil
}

func (svc *service) GetSamplingRate(r *http.Request, args *struct{}, reply *struct{ Rate float64 }) error {
	reply.Rate = svc.srv.rate
	return nil
}

func (svc *service) GetChannels(r *http.Request, args *struct{ Type string }, reply *struct{ Channels []wireChannelInfo }) error {
	typ := acq.ChannelType(text(args.Type))
	reply.Channels = svc.infos(func(ch *channel) bool { return ch.Type == typ })
	return nil
}

func (svc *service) GetEnabledChannels(r *http.Request, args *struct{}, reply *struct{ Channels []wireChannelInfo }) error {
	reply.Channels = svc.infos(func(ch *channel) bool { return ch.Enabled })
	return nil
}

func (svc *service) GetChannelLabel(r *http.Request, args *struct{ Channel wireChannel }, reply *struct{ Label string }) error {
	svc.srv.mu.Lock()
	defer svc.srv.mu.Unlock()
	ch, err := svc.lookup(args.Channel)
	if err != nil {
		return err
	}
	reply.Label = ch.Label
	return nil
}

func (svc *service) SetDataDeliveryEnabled(r *http.Request, args *struct {
	Channel wireChannel
	Enable  bool
}, reply *struct{}) error {
	svc.srv.mu.Lock()
	defer svc.srv.mu.Unlock()
	ch, err := svc.lookup(args.Channel)
	if err != nil {
		return err
	}
	if args.Enable && !ch.Enabled {
		return fmt.Errorf("channel %v is not enabled", ch.Channel.Channel)
	}
	ch.deliver = args.Enable
	return nil
}

func (svc *service) GetDataConnectionPort(r *http.Request, args *struct{ Channel wireChannel }, reply *struct{ Port int }) error {
	svc.srv.mu.Lock()
	defer svc.srv.mu.Unlock()
	ch, err := svc.lookup(args.Channel)
	if err != nil {
		return err
	}
	reply.Port = ch.port
	return nil
}

func (svc *service) ChangeDataConnectionPort(r *http.Request, args *struct {
	Channel wireChannel
	Port    int
}, reply *struct{}) error {
	svc.srv.mu.Lock()
	defer svc.srv.mu.Unlock()
	ch, err := svc.lookup(args.Channel)
	if err != nil {
		return err
	}
	ch.port = args.Port
	return nil
}

func (svc *service) GetSingleConnectionModePort(r *http.Request, args *struct{}, reply *struct{ Port int }) error {
	svc.srv.mu.Lock()
	defer svc.srv.mu.Unlock()
	reply.Port = svc.srv.single
	return nil
}

func (svc *service) ChangeSingleConnectionModePort(r *http.Request, args *struct{ Port int }, reply *struct{}) error {
	svc.srv.mu.Lock()
	defer svc.srv.mu.Unlock()
	svc.srv.single = args.Port
	return nil
}

func (svc *service) SetOutputChannel(r *http.Request, args *struct {
	Channel wireChannel
	Level   float64
}, reply *struct{}) error {
	k := args.Channel.key()
	svc.srv.mu.Lock()
	defer svc.srv.mu.Unlock()
	svc.srv.outputs[k] = args.Level
	return nil
}

func (svc *service) InsertGlobalEvent(r *http.Request, args *struct {
	Label   string
	Type    string
	Channel string
}, reply *struct{}) error {
	evt := Event{
		Label:   text(args.Label),
		Type:    text(args.Type),
		Channel: text(args.Channel),
	}
	svc.srv.mu.Lock()
	defer svc.srv.mu.Unlock()
	svc.srv.events = append(svc.srv.events, evt)
	return nil
}

func (svc *service) GetMostRecentSampleValue(r *http.Request, args *struct{ Channel wireChannel }, reply *struct{ Value float64 }) error {
	svc.srv.mu.Lock()
	defer svc.srv.mu.Unlock()
	ch, err := svc.lookup(args.Channel)
	if err != nil {
		return err
	}
	reply.Value = svc.srv.last[keyOf(ch.Channel.Channel)]
	return nil
}

// infos returns the selected channels. srv.mu must not be held.
func (svc *service) infos(sel func(ch *channel) bool) []wireChannelInfo {
	svc.srv.mu.Lock()
	defer svc.srv.mu.Unlock()
	infos := make([]wireChannelInfo, 0, len(svc.srv.chans))
	for _, ch := range svc.srv.chans {
		if !sel(ch) {
			continue
		}
		infos = append(infos, wireChannelInfo{
			Type:    string(ch.Type),
			Index:   ch.Index,
			Divider: ch.Divider(),
		})
	}
	return infos
}

// lookup returns the channel identified by wc. srv.mu must be held.
func (svc *service) lookup(wc wireChannel) (*channel, error) {
	k := wc.key()
	for _, ch := range svc.srv.chans {
		if keyOf(ch.Channel.Channel) == k {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("unknown channel %s%d", k.typ, k.idx)
}
