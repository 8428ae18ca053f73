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

// Package decoder is the syscall decoder (component D): for every
// syscall-enter/syscall-exit pair (or, for execve, enter/EVENT_EXEC), it
// dispatches to the registered Extractor by syscall number and mode,
// and turns the result into eventlog writes.
package decoder

import (
	"fmt"

	"github.com/repro-trace/tracer/internal/eventlog"
	"github.com/repro-trace/tracer/internal/proctable"
	"github.com/repro-trace/tracer/internal/regs"
	"github.com/repro-trace/tracer/internal/tlog"
	"github.com/repro-trace/tracer/internal/tracemem"
)

// Extractor decodes one syscall. Enter is called at the syscall-entry
// stop and returns a Pending value to stash on the Thread (or nil if
// the syscall needs no exit-time work); Exit is called at the matching
// exit stop (for ordinary syscalls) with that Pending value and the
// return-value register.
//
// execve/execveat are not dispatched through a Table: the controller
// (component E) calls syscalltable.ExecveHandler at their entry stop
// and resolves the capture at the following EVENT_EXEC rather than at
// Exit, since a successful execve never returns to the old image.
type Extractor interface {
	// Enter runs at syscall-entry. mem reads the current tracee's
	// address space; params are its six syscall arguments.
	Enter(mem *tracemem.Reader, mode regs.Mode, params [6]regs.Value) (proctable.Pending, error)
	// Exit runs at syscall-exit with the Pending value Enter returned
	// and the syscall's return value. mem reads the tracee's address
	// space as it stands at exit, for extractors (accept/accept4) whose
	// output is only valid once the kernel has filled it in.
	Exit(store *eventlog.Store, process int64, pending proctable.Pending, ret regs.Value, mem *tracemem.Reader) error
}

// Table maps a syscall number, within one Mode, to its Extractor.
// internal/syscalltable populates the default table; tests can build
// narrower ones.
type Table struct {
	entries map[regs.Mode]map[int64]Extractor
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{entries: map[regs.Mode]map[int64]Extractor{
		regs.X86_64: {},
		regs.I386:   {},
	}}
}

// Register binds nr (in mode) to ext. Re-registering the same
// (mode, nr) replaces the previous binding.
func (t *Table) Register(mode regs.Mode, nr int64, ext Extractor) {
	t.entries[mode][nr] = ext
}

// Lookup returns the Extractor bound to (mode, nr), or nil if the
// syscall is not tracked (most syscalls aren't — only the ones in the
// default table produce rows).
func (t *Table) Lookup(mode regs.Mode, nr int64) Extractor {
	return t.entries[mode][nr]
}

// Decoder drives one Table against a stream of per-thread syscall
// stops, writing results to an eventlog.Store.
type Decoder struct {
	table *Table
	store *eventlog.Store
	log   *tlog.Logger
}

// New returns a Decoder that dispatches through table and writes
// through store.
func New(table *Table, store *eventlog.Store, log *tlog.Logger) *Decoder {
	return &Decoder{table: table, store: store, log: log}
}

// HandleSyscallEntry is called when th's InSyscall flips false->true.
// It looks up th's current (Mode, CurrentSyscall) and, if tracked,
// stashes the Extractor's Pending value on th.Pending.
func (d *Decoder) HandleSyscallEntry(th *proctable.Thread, mem *tracemem.Reader) {
	ext := d.table.Lookup(th.Mode, th.CurrentSyscall)
	if ext == nil {
		d.log.Debugf(th.Tid, "decoder: tid %d syscall %d not tracked", th.Tid, th.CurrentSyscall)
		return
	}
	pending, err := ext.Enter(mem, th.Mode, th.Params)
	if err != nil {
		d.log.Warningf(th.Tid, "decoder: tid %d syscall %d enter: %v", th.Tid, th.CurrentSyscall, err)
		return
	}
	th.Pending = pending
}

// HandleSyscallExit is called when th's InSyscall flips true->false
// for an ordinary (non-execve) syscall. It resolves the Extractor's
// Exit half against th.Pending and th.Retvalue, then clears Pending.
// mem reads th's address space as of this exit stop.
func (d *Decoder) HandleSyscallExit(th *proctable.Thread, mem *tracemem.Reader) {
	defer func() { th.Pending = nil }()
	if th.Pending == nil {
		return
	}
	ext := d.table.Lookup(th.Mode, th.CurrentSyscall)
	if ext == nil {
		return
	}
	if err := ext.Exit(d.store, th.Identifier, th.Pending, th.Retvalue, mem); err != nil {
		d.log.Warningf(th.Tid, "decoder: tid %d syscall %d exit: %v", th.Tid, th.CurrentSyscall, err)
	}
}

// Err wraps a decode failure with the thread and syscall it occurred
// in, for callers that want to report rather than merely log it.
func Err(tid int32, nr int64, cause error) error {
	return fmt.Errorf("decoder: tid %d syscall %d: %w", tid, nr, cause)
}
