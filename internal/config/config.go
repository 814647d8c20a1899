// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the configuration shared by the acquisition
// commands.
//
// The configuration is read from an optional YAML file and may be
// overridden by ACQNDT_* environment variables (e.g. ACQNDT_SERVER_ADDR
// for server.addr). Mail settings also honor the MAIL_USERNAME,
// MAIL_PASSWORD, MAIL_SERVER, MAIL_PORT and MAIL_TGTS variables.
package config // import "github.com/go-lpc/ndt/internal/config"

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-lpc/ndt/acq"
	"github.com/go-lpc/ndt/internal/alert"
	"github.com/spf13/viper"
)

// DefaultName is the name of the configuration file looked up in the
// current directory when none is given.
const DefaultName = "acqndt"

type Config struct {
	Server struct {
		Addr    string        `mapstructure:"addr"`    // XML-RPC server; empty to discover one
		Timeout time.Duration `mapstructure:"timeout"` // per-call timeout
		Poll    time.Duration `mapstructure:"poll"`    // acquisition state polling interval
	} `mapstructure:"server"`

	Discovery struct {
		Broadcast string        `mapstructure:"broadcast"`
		Timeout   time.Duration `mapstructure:"timeout"`
	} `mapstructure:"discovery"`

	// Resources is the directory holding templates and recordings.
	Resources string `mapstructure:"resources"`

	Stream struct {
		Type      string        `mapstructure:"type"`
		ByteOrder string        `mapstructure:"byte_order"`
		Drain     time.Duration `mapstructure:"drain"` // grace period to process buffered data
	} `mapstructure:"stream"`

	Mail struct {
		Username string   `mapstructure:"username"`
		Password string   `mapstructure:"password"`
		Server   string   `mapstructure:"server"`
		Port     int      `mapstructure:"port"`
		Targets  []string `mapstructure:"targets"`
	} `mapstructure:"mail"`

	RunLog struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"runlog"`
}

var defaults = map[string]interface{}{
	"server.addr":         "",
	"server.timeout":      10 * time.Second,
	"server.poll":         500 * time.Millisecond,
	"discovery.broadcast": "",
	"discovery.timeout":   2 * time.Second,
	"resources":           "resources",
	"stream.type":         acq.DefaultTransportFormat.Type,
	"stream.byte_order":   acq.DefaultTransportFormat.ByteOrder,
	"stream.drain":        15 * time.Second,
	"mail.username":       "",
	"mail.password":       "",
	"mail.server":         "",
	"mail.port":           0,
	"mail.targets":        []string{},
	"runlog.dsn":          "",
}

// Load loads the configuration from the YAML file fname.
// If fname is empty, DefaultName.yaml is looked up in the current
// directory and defaults are used when it does not exist.
func Load(fname string) (Config, error) {
	v := viper.New()
	for k, def := range defaults {
		v.SetDefault(k, def)
	}

	v.SetEnvPrefix("ACQNDT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, kv := range [][2]string{
		{"mail.username", "MAIL_USERNAME"},
		{"mail.password", "MAIL_PASSWORD"},
		{"mail.server", "MAIL_SERVER"},
		{"mail.port", "MAIL_PORT"},
		{"mail.targets", "MAIL_TGTS"},
	} {
		env := "ACQNDT_" + strings.ToUpper(strings.ReplaceAll(kv[0], ".", "_"))
		err := v.BindEnv(kv[0], env, kv[1])
		if err != nil {
			return Config{}, fmt.Errorf("config: could not bind %q: %w", kv[0], err)
		}
	}

	if fname != "" {
		v.SetConfigFile(fname)
	} else {
		v.SetConfigName(DefaultName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	err := v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if fname != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: could not read configuration: %w", err)
		}
	}

	var cfg Config
	err = v.Unmarshal(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("config: could not decode configuration: %w", err)
	}
	cfg.Mail.Targets = alert.SplitTargets(strings.Join(cfg.Mail.Targets, ","))

	err = cfg.TransportFormat().Validate()
	if err != nil {
		return cfg, fmt.Errorf("config: invalid stream format: %w", err)
	}

	return cfg, nil
}

// TransportFormat returns the configured format of the data connections.
func (cfg Config) TransportFormat() acq.TransportFormat {
	return acq.TransportFormat{
		Type:      cfg.Stream.Type,
		ByteOrder: cfg.Stream.ByteOrder,
	}
}

// Template returns the path to the template name within the resources
// directory.
func (cfg Config) Template(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(cfg.Resources, name)
}

// Mailer returns the mailer configured for alerts.
func (cfg Config) Mailer() alert.Mailer {
	return alert.Mailer{
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		Server:   cfg.Mail.Server,
		Port:     cfg.Mail.Port,
		Targets:  cfg.Mail.Targets,
	}
}

// Connect dials the configured server or, if none is configured, the
// first server answering a discovery request.
// Connect returns acq.ErrNoServer if no server could be found.
func (cfg Config) Connect(ctx context.Context, msg *log.Logger) (*acq.Client, error) {
	opts := []acq.Option{
		acq.WithPollInterval(cfg.Server.Poll),
		acq.WithCallTimeout(cfg.Server.Timeout),
	}
	if msg != nil {
		opts = append(opts, acq.WithLogger(msg))
	}

	if cfg.Server.Addr != "" {
		return acq.Dial(cfg.Server.Addr, opts...)
	}

	if cfg.Discovery.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Discovery.Timeout)
		defer cancel()
	}
	return acq.QuickConnect(ctx, cfg.Discovery.Broadcast, opts...)
}
