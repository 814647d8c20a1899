// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command acq-shell is an interactive shell to drive an AcqKnowledge
// server.
//
// Usage: acq-shell [OPTIONS] [SCRIPT]
//
// When a script file is given, its commands are executed one per line
// instead of being read from the terminal.
//
// Example:
//
//	$> acq-shell -addr 192.168.1.10:15010
//	acq-shell: connected to 192.168.1.10:15010
//	acq> template sinewave.gtl
//	acq> channels
//	analog0  1  RSP
//	acq> toggle
//	acquisition: running
package main // import "github.com/go-lpc/ndt/cmd/acq-shell"

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-lpc/ndt"
	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/internal/config"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("acq-shell: ")
	log.SetFlags(0)

	var (
		cfgFile = flag.String("cfg", "", "path to configuration file")
		addr    = flag.String("addr", "", "AcqKnowledge server [address]:port (default: discover)")
		hist    = flag.String("history", filepath.Join(os.TempDir(), ".acq-shell-history"), "path to history file")
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

	srv, err := cfg.Connect(ctx, log.Default())
	if err != nil {
		log.Fatalf("could not connect to AcqKnowledge server: %+v", err)
	}
	defer srv.Close()

	sh := newShell(os.Stdout, srv, cfg)

	switch flag.NArg() {
	case 0:
		err = sh.interactive(ctx, *hist)
	default:
		var f *os.File
		f, err = os.Open(flag.Arg(0))
		if err != nil {
			log.Fatalf("could not open script: %+v", err)
		}
		defer f.Close()
		err = sh.script(ctx, f)
	}
	if err != nil {
		log.Fatalf("could not run acq-shell: %+v", err)
	}
}

type command struct {
	args string
	help string
	run  func(ctx context.Context, args []string) error
}

type shell struct {
	w    io.Writer
	srv  *acq.Client
	cfg  config.Config
	cmds map[string]command
}

func newShell(w io.Writer, srv *acq.Client, cfg config.Config) *shell {
	sh := &shell{w: w, srv: srv, cfg: cfg}
	sh.cmds = map[string]command{
		"help":        {"", "list commands", sh.cmdHelp},
		"status":      {"", "display the acquisition settings", sh.cmdStatus},
		"start":       {"", "start the acquisition", sh.cmdStart},
		"stop":        {"", "stop the acquisition", sh.cmdStop},
		"toggle":      {"", "toggle the acquisition", sh.cmdToggle},
		"wait":        {"", "wait for the end of the acquisition", sh.cmdWait},
		"template":    {"FILE", "load a graph template", sh.cmdTemplate},
		"method":      {"[single|multiple]", "display or change the data connection method", sh.cmdMethod},
		"format":      {"[TYPE [ORDER]]", "display or change the transport format", sh.cmdFormat},
		"rate":        {"", "display the hardware sampling rate", sh.cmdRate},
		"channels":    {"[TYPE]", "list the channels of the template", sh.cmdChannels},
		"enabled":     {"", "list the enabled channels", sh.cmdEnabled},
		"label":       {"CHAN", "display the label of a channel", sh.cmdLabel},
		"deliver":     {"CHAN [on|off]", "enable or disable the delivery of a channel", sh.cmdDeliver},
		"port":        {"CHAN [PORT]", "display or change the data port of a channel", sh.cmdPort},
		"single-port": {"[PORT]", "display or change the single connection mode port", sh.cmdSinglePort},
		"output":      {"CHAN VOLTS", "set the level of an output channel (e.g. analog0)", sh.cmdOutput},
		"event":       {"LABEL [TYPE [CHAN]]", "insert a global event", sh.cmdEvent},
		"sample":      {"CHAN", "display the most recent sample of a channel", sh.cmdSample},
		"quit":        {"", "quit the shell", nil},
	}
	return sh
}

func (sh *shell) banner() {
	version, _ := ndt.Version()
	if version == "" {
		version = "(devel)"
	}
	fmt.Fprintf(sh.w, "acq-shell %s, connected to %s\n", version, sh.srv.Addr())
	fmt.Fprintf(sh.w, "type 'help' for the list of commands.\n")
}

func (sh *shell) interactive(ctx context.Context, hist string) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(sh.complete)

	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	sh.banner()
	for {
		line, err := term.Prompt("acq> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(sh.w)
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		term.AppendHistory(line)

		quit, err := sh.exec(ctx, line)
		if err != nil {
			fmt.Fprintf(sh.w, "error: %+v\n", err)
		}
		if quit {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
	}
}

// script executes the commands read from r.
// It stops at the first failing command.
func (sh *shell) script(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		quit, err := sh.exec(ctx, line)
		if err != nil {
			return fmt.Errorf("could not execute %q: %w", line, err)
		}
		if quit {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("could not read script: %w", err)
	}
	return nil
}

func (sh *shell) complete(line string) []string {
	var cs []string
	for name := range sh.cmds {
		if strings.HasPrefix(name, line) {
			cs = append(cs, name)
		}
	}
	sort.Strings(cs)
	return cs
}

func (sh *shell) exec(ctx context.Context, line string) (quit bool, err error) {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return false, nil
	}
	name, args := toks[0], toks[1:]
	switch name {
	case "quit", "exit":
		return true, nil
	}

	cmd, ok := sh.cmds[name]
	if !ok {
		return false, fmt.Errorf("unknown command %q", name)
	}
	return false, cmd.run(ctx, args)
}

func (sh *shell) cmdHelp(ctx context.Context, args []string) error {
	names := make([]string, 0, len(sh.cmds))
	for name := range sh.cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := sh.cmds[name]
		fmt.Fprintf(sh.w, "%-32s %s\n", strings.TrimSpace(name+" "+cmd.args), cmd.help)
	}
	return nil
}

func (sh *shell) cmdStatus(ctx context.Context, args []string) error {
	running, err := sh.srv.AcquisitionInProgress(ctx)
	if err != nil {
		return err
	}
	method, err := sh.srv.DataConnectionMethod(ctx)
	if err != nil {
		return err
	}
	format, err := sh.srv.TransportFormat(ctx)
	if err != nil {
		return err
	}
	rate, err := sh.srv.SamplingRate(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "server:      %s\n", sh.srv.Addr())
	fmt.Fprintf(sh.w, "acquisition: %s\n", state(running))
	fmt.Fprintf(sh.w, "method:      %s\n", method)
	fmt.Fprintf(sh.w, "format:      %s/%s\n", format.Type, format.ByteOrder)
	fmt.Fprintf(sh.w, "rate:        %g Hz\n", rate)
	return nil
}

func state(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}

func (sh *shell) cmdStart(ctx context.Context, args []string) error {
	changed, err := sh.srv.StartAcquisition(ctx)
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintf(sh.w, "acquisition already running\n")
		return nil
	}
	fmt.Fprintf(sh.w, "acquisition: running\n")
	return nil
}

func (sh *shell) cmdStop(ctx context.Context, args []string) error {
	changed, err := sh.srv.StopAcquisition(ctx)
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintf(sh.w, "acquisition already stopped\n")
		return nil
	}
	fmt.Fprintf(sh.w, "acquisition: stopped\n")
	return nil
}

func (sh *shell) cmdToggle(ctx context.Context, args []string) error {
	err := sh.srv.ToggleAcquisition(ctx)
	if err != nil {
		return err
	}
	running, err := sh.srv.AcquisitionInProgress(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "acquisition: %s\n", state(running))
	return nil
}

func (sh *shell) cmdWait(ctx context.Context, args []string) error {
	err := sh.srv.WaitForAcquisitionEnd(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "acquisition: stopped\n")
	return nil
}

func (sh *shell) cmdTemplate(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: template FILE")
	}
	fname := sh.cfg.Template(args[0])
	err := sh.srv.LoadTemplate(ctx, fname)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "template %s loaded\n", fname)
	return nil
}

func (sh *shell) cmdMethod(ctx context.Context, args []string) error {
	if len(args) > 0 {
		m, err := acq.ParseConnectionMethod(args[0])
		if err != nil {
			return err
		}
		err = sh.srv.ChangeDataConnectionMethod(ctx, m)
		if err != nil {
			return err
		}
	}
	m, err := sh.srv.DataConnectionMethod(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "method: %s\n", m)
	return nil
}

func (sh *shell) cmdFormat(ctx context.Context, args []string) error {
	if len(args) > 0 {
		f := acq.TransportFormat{Type: args[0], ByteOrder: acq.DefaultTransportFormat.ByteOrder}
		if len(args) > 1 {
			f.ByteOrder = args[1]
		}
		err := sh.srv.ChangeTransportFormat(ctx, f)
		if err != nil {
			return err
		}
	}
	f, err := sh.srv.TransportFormat(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "format: %s/%s\n", f.Type, f.ByteOrder)
	return nil
}

func (sh *shell) cmdRate(ctx context.Context, args []string) error {
	rate, err := sh.srv.SamplingRate(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "rate: %g Hz\n", rate)
	return nil
}

func (sh *shell) cmdChannels(ctx context.Context, args []string) error {
	var (
		chans []acq.Channel
		err   error
	)
	switch len(args) {
	case 0:
		chans, err = sh.srv.AllChannels(ctx)
	default:
		chans, err = sh.srv.Channels(ctx, acq.ChannelType(strings.ToLower(args[0])))
	}
	if err != nil {
		return err
	}
	return sh.list(ctx, chans)
}

func (sh *shell) cmdEnabled(ctx context.Context, args []string) error {
	chans, err := sh.srv.EnabledChannels(ctx)
	if err != nil {
		return err
	}
	return sh.list(ctx, chans)
}

func (sh *shell) list(ctx context.Context, chans []acq.Channel) error {
	for _, ch := range chans {
		label, err := sh.srv.ChannelLabel(ctx, ch)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.w, "%-9s %2d  %s\n", ch, ch.Divider(), label)
	}
	return nil
}

func (sh *shell) channel(ctx context.Context, name string) (acq.Channel, error) {
	ch, err := acq.ParseChannel(name)
	if err != nil {
		return ch, err
	}
	chans, err := sh.srv.AllChannels(ctx)
	if err != nil {
		return ch, err
	}
	for _, v := range chans {
		if v.Is(ch) {
			return v, nil
		}
	}
	return ch, fmt.Errorf("no channel %v in template", ch)
}

func (sh *shell) cmdLabel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: label CHAN")
	}
	ch, err := sh.channel(ctx, args[0])
	if err != nil {
		return err
	}
	label, err := sh.srv.ChannelLabel(ctx, ch)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "%v: %s\n", ch, label)
	return nil
}

func (sh *shell) cmdDeliver(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: deliver CHAN [on|off]")
	}
	ch, err := sh.channel(ctx, args[0])
	if err != nil {
		return err
	}
	enable := true
	if len(args) == 2 {
		switch strings.ToLower(args[1]) {
		case "on", "true", "1":
		case "off", "false", "0":
			enable = false
		default:
			return fmt.Errorf("invalid delivery state %q", args[1])
		}
	}
	err = sh.srv.Deliver(ctx, ch, enable)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "%v: delivery %s\n", ch, map[bool]string{true: "on", false: "off"}[enable])
	return nil
}

func (sh *shell) cmdPort(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: port CHAN [PORT]")
	}
	ch, err := sh.channel(ctx, args[0])
	if err != nil {
		return err
	}
	if len(args) == 2 {
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", args[1], err)
		}
		err = sh.srv.ChangeDataConnectionPort(ctx, ch, port)
		if err != nil {
			return err
		}
	}
	port, err := sh.srv.DataConnectionPort(ctx, ch)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "%v: port %d\n", ch, port)
	return nil
}

func (sh *shell) cmdSinglePort(ctx context.Context, args []string) error {
	if len(args) > 0 {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", args[0], err)
		}
		err = sh.srv.ChangeSingleConnectionModePort(ctx, port)
		if err != nil {
			return err
		}
	}
	port, err := sh.srv.SingleConnectionModePort(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "single connection mode port: %d\n", port)
	return nil
}

func (sh *shell) cmdOutput(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: output CHAN VOLTS")
	}
	ch, err := acq.ParseChannel(args[0])
	if err != nil {
		return err
	}
	if ch.Type == acq.Calc {
		return fmt.Errorf("invalid output channel type %q", ch.Type)
	}
	v, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid output level %q: %w", args[1], err)
	}
	out := acq.OutputChannel{Type: ch.Type, Index: ch.Index}
	err = sh.srv.SetOutputChannel(ctx, out, v)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "%v: %g V\n", out, v)
	return nil
}

func (sh *shell) cmdEvent(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return fmt.Errorf("usage: event LABEL [TYPE [CHAN]]")
	}
	var (
		label = args[0]
		typ   = "defl"
		ch    = ""
	)
	if len(args) > 1 {
		typ = args[1]
	}
	if len(args) > 2 {
		ch = args[2]
	}
	return sh.srv.InsertGlobalEvent(ctx, label, typ, ch)
}

func (sh *shell) cmdSample(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: sample CHAN")
	}
	ch, err := sh.channel(ctx, args[0])
	if err != nil {
		return err
	}
	v, err := sh.srv.MostRecentSample(ctx, ch)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "%v: %g\n", ch, v)
	return nil
}
