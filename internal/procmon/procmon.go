// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package procmon logs the resource usage of a process with pmon.
package procmon // import "github.com/go-lpc/ndt/internal/procmon"

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sbinet/pmon"
)

// Start monitors the process pid every freq, writing its resource usage
// to the file fname.
// Monitoring lasts as long as the monitored process.
// The returned function closes the log file.
func Start(pid int, fname string, freq time.Duration, msg *log.Logger) (func() error, error) {
	f, err := os.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("procmon: could not create pmon log file: %w", err)
	}

	p, err := pmon.Monitor(pid)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("procmon: could not start monitoring pid=%d: %w", pid, err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		msg.Printf("run pmon (pid=%d, freq=%v) into %q...", pid, freq, fname)
		err := p.Run()
		if err != nil {
			msg.Printf("could not monitor pid=%d: %+v", pid, err)
		}
	}()

	return f.Close, nil
}
