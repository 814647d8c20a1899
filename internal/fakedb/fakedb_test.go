// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fakedb

import (
	"context"
	"database/sql"
	"testing"
)

func TestExecInsertID(t *testing.T) {
	db, err := sql.Open("fakedb", "")
	if err != nil {
		t.Fatalf("could not open db: %+v", err)
	}
	defer db.Close()
	_ = Execs()

	ctx := context.Background()
	insert := func() int64 {
		t.Helper()
		res, err := db.ExecContext(ctx, "INSERT INTO runs (server) VALUES (?)", "acq")
		if err != nil {
			t.Fatalf("could not insert: %+v", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			t.Fatalf("could not retrieve id: %+v", err)
		}
		return id
	}

	id1 := insert()
	for _, q := range []string{
		"UPDATE runs SET samples=? WHERE id=?",
		"CREATE TABLE IF NOT EXISTS runs (id BIGINT)",
	} {
		_, err = db.ExecContext(ctx, q, 1, id1)
		if err != nil {
			t.Fatalf("could not exec %q: %+v", q, err)
		}
	}
	id2 := insert()

	if got, want := id2, id1+1; got != want {
		t.Fatalf("invalid insert id: got=%d, want=%d", got, want)
	}
	if got, want := len(Execs()), 4; got != want {
		t.Fatalf("invalid number of statements: got=%d, want=%d", got, want)
	}
}
