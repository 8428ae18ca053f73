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

package controller

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/repro-trace/tracer/internal/eventlog"
	"github.com/repro-trace/tracer/internal/proctable"
	"github.com/repro-trace/tracer/internal/regs"
	"github.com/repro-trace/tracer/internal/tlog"
)

// waitStep is one scripted unix.Wait4 reply, built with the helpers
// below instead of hand-encoding the kernel's packed status word.
type waitStep struct {
	tid int32
	ws  unix.WaitStatus
	ru  unix.Rusage
	err error
}

func stoppedOnSignal(sig unix.Signal) unix.WaitStatus {
	return unix.WaitStatus(0x7f | (int(sig) << 8))
}

func stoppedOnEvent(event int) unix.WaitStatus {
	return unix.WaitStatus(0x7f | (int(unix.SIGTRAP) << 8) | (event << 16))
}

func exitedWith(code int) unix.WaitStatus {
	return unix.WaitStatus(code << 8)
}

// fakeWait replays a fixed sequence of waitStep values, the same
// notification stream a real kernel would hand waitLoop, letting the
// classification logic (syscall-stop vs. ptrace-event vs. signal-stop)
// and the fork/clone group-linking run without a real tracee.
type fakeWait struct {
	steps    []waitStep
	i        int
	childTid int32

	setOptionsCalls []int32
	resumeCalls     []int32
}

func (f *fakeWait) Wait4() (int32, unix.WaitStatus, unix.Rusage, error) {
	if f.i >= len(f.steps) {
		return 0, 0, unix.Rusage{}, unix.ECHILD
	}
	s := f.steps[f.i]
	f.i++
	return s.tid, s.ws, s.ru, s.err
}

func (f *fakeWait) SetOptions(tid int32, _ int) error {
	f.setOptionsCalls = append(f.setOptionsCalls, tid)
	return nil
}

func (f *fakeWait) Resume(tid int32, _ int) error {
	f.resumeCalls = append(f.resumeCalls, tid)
	return nil
}

func (f *fakeWait) GetEventMsg(int32) (uint, error) {
	return uint(f.childTid), nil
}

// childTid is fixed per test via a setter so GetEventMsg (which takes
// no useful argument in the real ptrace ABI either) knows which tid
// the scripted fork/clone produced.
func (f *fakeWait) withChild(tid int32) *fakeWait {
	f.childTid = tid
	return f
}

type fakeBackend struct {
	regs []regs.Registers
	i    int
}

func (f *fakeBackend) ReadRegisters(int32) (regs.Registers, error) {
	if f.i >= len(f.regs) {
		return regs.Registers{}, nil
	}
	r := f.regs[f.i]
	f.i++
	return r, nil
}

func newTestStore(t *testing.T) *eventlog.Store {
	t.Helper()
	s, err := eventlog.Open(filepath.Join(t.TempDir(), "events.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(true) })
	return s
}

// TestRunClassifiesStopsForksAndExecsAndExits drives one synthetic
// tracee tree end to end: the post-TRACEME SIGTRAP, a syscall
// entry/exit pair (component D dispatch), a fork producing a child
// that itself attaches and exits, an EVENT_EXEC on the root, and
// finally the root's own exit — the scenarios Run's real kernel-backed
// loop handles, replayed here against a scripted wait4 stream instead.
func TestRunClassifiesStopsForksAndExecsAndExits(t *testing.T) {
	const rootPid = int32(100)
	const childPid = int32(101)

	wait := (&fakeWait{steps: []waitStep{
		{tid: rootPid, ws: stoppedOnSignal(unix.SIGTRAP)}, // post-TRACEME stop
		{tid: rootPid, ws: stoppedOnSignal(unix.SIGTRAP | 0x80)}, // syscall entry
		{tid: rootPid, ws: stoppedOnSignal(unix.SIGTRAP | 0x80)}, // syscall exit
		{tid: rootPid, ws: stoppedOnEvent(eventFork)},
		{tid: childPid, ws: stoppedOnSignal(unix.SIGTRAP)}, // child's post-TRACEME stop
		{tid: childPid, ws: exitedWith(0), ru: unix.Rusage{Utime: unix.Timeval{Sec: 0, Usec: 5000}}},
		{tid: rootPid, ws: stoppedOnEvent(eventExec)},
		{tid: rootPid, ws: exitedWith(0), ru: unix.Rusage{Utime: unix.Timeval{Sec: 1, Usec: 0}}},
	}}).withChild(childPid)

	backend := &fakeBackend{regs: []regs.Registers{
		{Mode: regs.X86_64, SyscallNr: 999999}, // entry: deliberately unregistered
		{Mode: regs.X86_64, Retvalue: regs.Value{I: 0}}, // exit
	}}

	store := newTestStore(t)
	log := tlog.New(nil, 0)

	c := New(Options{Backend: backend, Store: store, Log: log})
	c.ptrace = wait

	status, leaderCPUMs, err := c.Run(context.Background(), rootPid)
	require.NoError(t, err)
	require.Equal(t, 0, status)
	require.NotNil(t, leaderCPUMs)
	require.Equal(t, int64(1000), *leaderCPUMs) // 1s utime, 0 stime

	require.Contains(t, wait.setOptionsCalls, rootPid)
	require.Contains(t, wait.setOptionsCalls, childPid)

	active, unknown := c.procs.Count()
	require.Equal(t, 0, active)
	require.Equal(t, 0, unknown)
}

// TestRunRollsBackOnWait4Error verifies a wait4 failure other than
// ECHILD aborts the loop and surfaces the error instead of spinning.
func TestRunRollsBackOnWait4Error(t *testing.T) {
	wait := &fakeWait{steps: []waitStep{
		{err: unix.EINVAL},
	}}
	store := newTestStore(t)
	log := tlog.New(nil, 0)

	c := New(Options{Backend: &fakeBackend{}, Store: store, Log: log})
	c.ptrace = wait

	_, _, err := c.Run(context.Background(), 42)
	require.Error(t, err)
}

// TestAdoptReturnsRootForRootPidAndAllocatesOthers covers the
// not-yet-seen-tid path waitLoop falls back to when a child's fork
// event hasn't been processed before the child's own first stop
// arrives.
func TestAdoptReturnsRootForRootPidAndAllocatesOthers(t *testing.T) {
	c := New(Options{Backend: &fakeBackend{}, Store: newTestStore(t), Log: tlog.New(nil, 0)})

	root := &proctable.Thread{Tid: 7}
	require.Same(t, root, c.adopt(7, 7, root))

	other := c.adopt(8, 7, root)
	require.NotNil(t, other)
	require.Equal(t, int32(8), other.Tid)
	require.Equal(t, proctable.Unknown, other.Status)
}
