// Copyright 2024 The Repro-Trace Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventlog is the durable, append-only provenance store
// (component A): processes, opened_files, executed_files and
// connections, all tagged with a run_id and committed or rolled back as
// one transaction per invocation.
//
// Every write goes through bound parameters (sqlx named-exec); the
// reference tracer this is based on builds SQL with sprintf and is
// vulnerable to quoting bugs on pathnames containing single quotes —
// this package must never reproduce that.
package eventlog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// ErrSchemaMismatch is returned by Open when the database file contains
// some, but not all, of the four expected tables. Tables with other
// names are ignored.
var ErrSchemaMismatch = fmt.Errorf("eventlog: schema mismatch")

var processStart = time.Now()

// now returns a monotonic-clock timestamp in nanoseconds, relative to
// an arbitrary epoch fixed at package load (process start), matching
// the CLOCK_MONOTONIC semantics this module requires: comparable within a
// run, meaningless across machines or reboots.
func now() int64 {
	return time.Since(processStart).Nanoseconds()
}

// Store is the open handle on one run's event log.
type Store struct {
	db    *sqlx.DB
	lock  *flock.Flock
	runID int64
}

// Open opens (creating if necessary) the four-table schema at path,
// begins an immediate exclusive transaction for the life of the Store,
// and allocates the next run_id as max(existing run_id)+1, defaulting
// to 0 for a fresh database.
//
// A sibling path+".lock" advisory lock is held for the Store's
// lifetime, on top of sqlite's own locking: two tracer instances
// racing to open the same database file would otherwise interleave their
// BEGIN IMMEDIATE retries and could each allocate the same run_id
// before either commits.
func Open(path string) (*Store, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("eventlog: locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("eventlog: %s is already in use by another trace run", path)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	// A single connection mirrors the reference's single sqlite3
	// handle: all statements in this run execute against the one
	// exclusive transaction below.
	db.SetMaxOpenConns(1)

	op := func() error {
		_, err := db.Exec("BEGIN IMMEDIATE;")
		return err
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("eventlog: begin transaction: %w", err)
	}

	if err := ensureSchema(db); err != nil {
		db.Exec("ROLLBACK;")
		db.Close()
		lock.Unlock()
		return nil, err
	}

	var runID int64
	if err := db.Get(&runID, "SELECT IFNULL(MAX(run_id) + 1, 0) FROM processes;"); err != nil {
		db.Exec("ROLLBACK;")
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("eventlog: allocating run id: %w", err)
	}

	return &Store{db: db, lock: lock, runID: runID}, nil
}

// ensureSchema enumerates the tables already present; if none of the
// four expected names exist it creates them (and their indexes), if
// all four exist it reuses them, and any other combination is
// ErrSchemaMismatch.
func ensureSchema(db *sqlx.DB) error {
	var names []string
	if err := db.Select(&names, "SELECT name FROM sqlite_master WHERE type='table';"); err != nil {
		return fmt.Errorf("eventlog: listing tables: %w", err)
	}

	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}

	present := 0
	for _, want := range expectedTables {
		if found[want] {
			present++
		}
	}

	switch {
	case present == 0:
		for _, stmt := range createStatements {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("eventlog: creating schema: %w", err)
			}
		}
		return nil
	case present == len(expectedTables):
		return nil
	default:
		return ErrSchemaMismatch
	}
}

// Close commits the run's transaction, or rolls it back if rollback is
// true (used on cleanup after a double-SIGINT or unrecoverable error, so
// that no partial log survives an abort).
func (s *Store) Close(rollback bool) error {
	stmt := "COMMIT;"
	if rollback {
		stmt = "ROLLBACK;"
	}
	if _, err := s.db.Exec(stmt); err != nil {
		s.db.Close()
		s.lock.Unlock()
		return fmt.Errorf("eventlog: closing (rollback=%v): %w", rollback, err)
	}
	closeErr := s.db.Close()
	if err := s.lock.Unlock(); err != nil && closeErr == nil {
		closeErr = fmt.Errorf("eventlog: releasing lock: %w", err)
	}
	return closeErr
}

// AddProcess inserts a processes row and an accompanying
// working-directory open row (mode=FILE_WDIR, is_directory=true).
// parent is nil for the initial traced process.
func (s *Store) AddProcess(parent *int64, wd string, isThread bool) (int64, error) {
	res, err := s.db.NamedExec(
		`INSERT INTO processes(run_id, parent, timestamp, is_thread)
		 VALUES(:run_id, :parent, :timestamp, :is_thread)`,
		map[string]interface{}{
			"run_id":    s.runID,
			"parent":    nullableInt64(parent),
			"timestamp": now(),
			"is_thread": isThread,
		})
	if err != nil {
		return 0, fmt.Errorf("eventlog: inserting process: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("eventlog: reading process id: %w", err)
	}
	if err := s.AddFileOpen(id, wd, FileWdir, true); err != nil {
		return 0, err
	}
	return id, nil
}

// AddExit records a process' termination: exit_timestamp, exitcode, and
// (for the thread-group leader only, per the leader-only rule) cpu_time.
func (s *Store) AddExit(id int64, exitcode int, cpuTimeMs *int64) error {
	_, err := s.db.NamedExec(
		`UPDATE processes SET exitcode=:exitcode, exit_timestamp=:ts, cpu_time=:cpu
		 WHERE id=:id`,
		map[string]interface{}{
			"exitcode": exitcode,
			"ts":       now(),
			"cpu":      nullableInt64(cpuTimeMs),
			"id":       id,
		})
	if err != nil {
		return fmt.Errorf("eventlog: recording exit for process %d: %w", id, err)
	}
	return nil
}

// AddFileOpen appends an opened_files row.
func (s *Store) AddFileOpen(process int64, name string, mode int, isDir bool) error {
	_, err := s.db.NamedExec(
		`INSERT INTO opened_files(run_id, name, timestamp, mode, is_directory, process)
		 VALUES(:run_id, :name, :timestamp, :mode, :is_directory, :process)`,
		map[string]interface{}{
			"run_id":       s.runID,
			"name":         name,
			"timestamp":    now(),
			"mode":         mode,
			"is_directory": isDir,
			"process":      process,
		})
	if err != nil {
		return fmt.Errorf("eventlog: inserting open of %q: %w", name, err)
	}
	return nil
}

// AddExec appends an executed_files row. argv/envp are serialized as
// NUL-separated concatenations preserving order, including empty
// elements.
func (s *Store) AddExec(process int64, binary string, argv, envp [][]byte, wd string) error {
	_, err := s.db.NamedExec(
		`INSERT INTO executed_files(run_id, name, timestamp, process, argv, envp, workingdir)
		 VALUES(:run_id, :name, :timestamp, :process, :argv, :envp, :workingdir)`,
		map[string]interface{}{
			"run_id":     s.runID,
			"name":       binary,
			"timestamp":  now(),
			"process":    process,
			"argv":       EncodeNulSep(argv),
			"envp":       EncodeNulSep(envp),
			"workingdir": wd,
		})
	if err != nil {
		return fmt.Errorf("eventlog: inserting exec of %q: %w", binary, err)
	}
	return nil
}

// AddConnection appends a connections row. family, protocol and address
// may each be nil.
func (s *Store) AddConnection(process int64, inbound bool, family, protocol, address *string) error {
	_, err := s.db.NamedExec(
		`INSERT INTO connections(run_id, timestamp, process, inbound, family, protocol, address)
		 VALUES(:run_id, :timestamp, :process, :inbound, :family, :protocol, :address)`,
		map[string]interface{}{
			"run_id":    s.runID,
			"timestamp": now(),
			"process":   process,
			"inbound":   inbound,
			"family":    nullableString(family),
			"protocol":  nullableString(protocol),
			"address":   nullableString(address),
		})
	if err != nil {
		return fmt.Errorf("eventlog: inserting connection: %w", err)
	}
	return nil
}

// RunID returns the run_id allocated at Open.
func (s *Store) RunID() int64 { return s.runID }

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return sql.NullInt64{}
	}
	return *v
}

func nullableString(v *string) interface{} {
	if v == nil {
		return sql.NullString{}
	}
	return *v
}

// EncodeNulSep concatenates each element of items, each followed by a
// single NUL byte, preserving order and including empty elements.
func EncodeNulSep(items [][]byte) string {
	var b strings.Builder
	for _, it := range items {
		b.Write(it)
		b.WriteByte(0)
	}
	return b.String()
}

// DecodeNulSep splits an EncodeNulSep-produced string back into its
// original elements. This must round-trip exactly, including empty
// strings.
func DecodeNulSep(s string) [][]byte {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "\x00")
	// strings.Split on a NUL-terminated string leaves a trailing empty
	// element after the final separator; drop it.
	if len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}
