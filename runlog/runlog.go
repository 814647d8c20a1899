// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package runlog records the acquisitions driven by the acquisition
// clients in a MySQL database.
//
// DSNs should enable time parsing, e.g.:
//
//	user:pass@tcp(localhost:3306)/acqndt?parseTime=true
package runlog // import "github.com/go-lpc/ndt/runlog"

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-lpc/ndt/acq"
	_ "github.com/go-sql-driver/mysql"
)

var drvName = "mysql"

// Schema is the definition of the runs table.
const Schema = `CREATE TABLE IF NOT EXISTS runs (
	id       BIGINT AUTO_INCREMENT PRIMARY KEY,
	server   VARCHAR(255) NOT NULL,
	template VARCHAR(1024) NOT NULL,
	method   VARCHAR(16) NOT NULL,
	channels TEXT NOT NULL,
	rate     DOUBLE NOT NULL,
	start    DATETIME(6) NOT NULL,
	stop     DATETIME(6) NULL,
	samples  BIGINT NOT NULL DEFAULT 0
)`

// Run describes an acquisition.
type Run struct {
	ID       int64
	Server   string // address of the acquisition server
	Template string
	Method   acq.ConnectionMethod
	Channels []acq.Channel
	Rate     float64   // hardware sampling rate, in Hz
	Start    time.Time
	Stop     time.Time // zero while the acquisition is running
	Samples  int64     // number of recorded samples
}

// Duration returns the duration of a finished acquisition.
func (r Run) Duration() time.Duration {
	if r.Stop.IsZero() {
		return 0
	}
	return r.Stop.Sub(r.Start)
}

// DB is a handle to the run log database.
type DB struct {
	db *sql.DB
}

// Open opens a connection to the run log database described by dsn.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("runlog: could not open db: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("runlog: could not ping db: %w", err)
	}

	return &DB{db: db}, nil
}

// New returns a run log backed by an already opened database.
func New(db *sql.DB) *DB {
	return &DB{db: db}
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Init creates the runs table if needed.
func (db *DB) Init(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, Schema)
	if err != nil {
		return fmt.Errorf("runlog: could not create runs table: %w", err)
	}
	return nil
}

// Begin records the start of run r and returns its identifier.
func (db *DB) Begin(ctx context.Context, r Run) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if r.Start.IsZero() {
		r.Start = time.Now().UTC()
	}

	res, err := db.db.ExecContext(
		ctx,
		"INSERT INTO runs (server, template, method, channels, rate, start) VALUES (?, ?, ?, ?, ?, ?)",
		r.Server, r.Template, string(r.Method), formatChannels(r.Channels), r.Rate, r.Start,
	)
	if err != nil {
		return 0, fmt.Errorf("runlog: could not insert run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("runlog: could not retrieve run id: %w", err)
	}
	return id, nil
}

// End records the end of run id.
func (db *DB) End(ctx context.Context, id int64, stop time.Time, samples int64) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := db.db.ExecContext(
		ctx,
		"UPDATE runs SET stop=?, samples=? WHERE id=?",
		stop, samples, id,
	)
	if err != nil {
		return fmt.Errorf("runlog: could not update run %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("runlog: could not retrieve number of updated runs: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("runlog: no run with id=%d", id)
	}
	return nil
}

const selectRuns = "SELECT id, server, template, method, channels, rate, start, stop, samples FROM runs ORDER BY start DESC LIMIT ?"

// Last returns the most recent run.
func (db *DB) Last(ctx context.Context) (Run, error) {
	runs, err := db.Runs(ctx, 1)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, fmt.Errorf("runlog: no run recorded")
	}
	return runs[0], nil
}

// Runs returns the n most recent runs, most recent first.
func (db *DB) Runs(ctx context.Context, n int) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryContext(ctx, selectRuns, n)
	if err != nil {
		return nil, fmt.Errorf("runlog: could not query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r      Run
			method string
			chans  string
			stop   sql.NullTime
		)
		err = rows.Scan(&r.ID, &r.Server, &r.Template, &method, &chans, &r.Rate, &r.Start, &stop, &r.Samples)
		if err != nil {
			return nil, fmt.Errorf("runlog: could not scan run: %w", err)
		}
		r.Method = acq.ConnectionMethod(method)
		r.Channels, err = parseChannels(chans)
		if err != nil {
			return nil, fmt.Errorf("runlog: could not decode channels of run %d: %w", r.ID, err)
		}
		if stop.Valid {
			r.Stop = stop.Time
		}
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runlog: could not scan db for runs: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("runlog: context error while retrieving runs: %w", err)
	}

	return runs, nil
}

func formatChannels(chans []acq.Channel) string {
	names := make([]string, len(chans))
	for i, ch := range chans {
		names[i] = ch.String()
	}
	return strings.Join(names, ",")
}

func parseChannels(s string) ([]acq.Channel, error) {
	if s == "" {
		return nil, nil
	}
	names := strings.Split(s, ",")
	chans := make([]acq.Channel, len(names))
	for i, name := range names {
		ch, err := acq.ParseChannel(name)
		if err != nil {
			return nil, err
		}
		chans[i] = ch
	}
	return chans, nil
}
