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

package decoder

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/repro-trace/tracer/internal/eventlog"
	"github.com/repro-trace/tracer/internal/proctable"
	"github.com/repro-trace/tracer/internal/regs"
	"github.com/repro-trace/tracer/internal/tlog"
	"github.com/repro-trace/tracer/internal/tracemem"
)

// countingExtractor counts how many times Enter/Exit ran and hands
// back a fixed Pending value, so tests can assert dispatch without a
// real tracee.
type countingExtractor struct {
	entries, exits int
	lastPending    proctable.Pending
}

func (e *countingExtractor) Enter(*tracemem.Reader, regs.Mode, [6]regs.Value) (proctable.Pending, error) {
	e.entries++
	return "marker", nil
}

func (e *countingExtractor) Exit(_ *eventlog.Store, _ int64, pending proctable.Pending, _ regs.Value, _ *tracemem.Reader) error {
	e.exits++
	e.lastPending = pending
	return nil
}

func openTestStore(t *testing.T) *eventlog.Store {
	t.Helper()
	s, err := eventlog.Open(filepath.Join(t.TempDir(), "events.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(true) })
	return s
}

func TestEnterExitDispatchesToRegisteredExtractor(t *testing.T) {
	table := NewTable()
	ext := &countingExtractor{}
	table.Register(regs.X86_64, 2, ext)

	store := openTestStore(t)
	log := tlog.New(nil, 0)
	d := New(table, store, log)

	th := &proctable.Thread{Tid: 1, Mode: regs.X86_64, CurrentSyscall: 2}
	d.HandleSyscallEntry(th, tracemem.NewReader(1))
	require.Equal(t, 1, ext.entries)
	require.NotNil(t, th.Pending)

	d.HandleSyscallExit(th, tracemem.NewReader(1))
	require.Equal(t, 1, ext.exits)
	require.Equal(t, "marker", ext.lastPending)
	require.Nil(t, th.Pending)
}

func TestUnregisteredSyscallIsIgnored(t *testing.T) {
	table := NewTable()
	store := openTestStore(t)
	log := tlog.New(nil, 0)
	d := New(table, store, log)

	th := &proctable.Thread{Tid: 1, Mode: regs.X86_64, CurrentSyscall: 999}
	d.HandleSyscallEntry(th, tracemem.NewReader(1))
	require.Nil(t, th.Pending)
	d.HandleSyscallExit(th, tracemem.NewReader(1)) // must not panic with nothing pending
}
