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

// Package controller is the trace loop (component E): it owns the
// single OS thread every ptrace call in this module must come from,
// waits for tracee stops, classifies them, and decodes each syscall
// stop inline on that thread. Exit and exec rows are handed to a small
// pool of worker goroutines shared by all tids; every other row is
// written from the loop itself.
package controller

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/repro-trace/tracer/internal/decoder"
	"github.com/repro-trace/tracer/internal/eventlog"
	"github.com/repro-trace/tracer/internal/proctable"
	"github.com/repro-trace/tracer/internal/regs"
	"github.com/repro-trace/tracer/internal/syscalltable"
	"github.com/repro-trace/tracer/internal/tlog"
	"github.com/repro-trace/tracer/internal/tracemem"
)

// Linux ptrace option and event constants not worth depending on
// golang.org/x/sys/unix having a name for; values are ABI-stable.
const (
	ptraceOTracesysgood = 0x1
	ptraceOTracefork    = 0x2
	ptraceOTracevfork   = 0x4
	ptraceOTraceclone   = 0x8
	ptraceOTraceexec    = 0x10
	ptraceOExitkill     = 0x00100000

	traceOptions = ptraceOTracesysgood | ptraceOTracefork | ptraceOTracevfork |
		ptraceOTraceclone | ptraceOTraceexec | ptraceOExitkill

	eventFork  = 1
	eventVfork = 2
	eventClone = 3
	eventExec  = 4
)

// Options configures a Controller.
type Options struct {
	Backend regs.Backend
	Store   *eventlog.Store
	Log     *tlog.Logger
	Workers int // decode worker goroutines; 0 selects runtime.GOMAXPROCS(0)

	// ptrace isolates the raw wait4/ptrace primitives waitLoop drives,
	// so package-internal tests can replay a fixed notification stream
	// instead of a real kernel and a real tracee. Unexported: callers
	// outside this package always get the real implementation.
	ptrace ptraceOps
}

// ptraceOps is the raw wait4/ptrace surface waitLoop calls against one
// tid at a time.
type ptraceOps interface {
	// Wait4 blocks for the next state change in any tracee and reports
	// which tid it was, matching unix.Wait4(-1, &ws, unix.WALL, &ru).
	Wait4() (tid int32, ws unix.WaitStatus, ru unix.Rusage, err error)
	SetOptions(tid int32, options int) error
	// Resume is PTRACE_SYSCALL, optionally re-injecting a pending signal.
	Resume(tid int32, sig int) error
	GetEventMsg(tid int32) (uint, error)
}

// realPtrace is the production ptraceOps, a thin pass-through to
// golang.org/x/sys/unix.
type realPtrace struct{}

func (realPtrace) Wait4() (int32, unix.WaitStatus, unix.Rusage, error) {
	var ws unix.WaitStatus
	var ru unix.Rusage
	tid, err := unix.Wait4(-1, &ws, unix.WALL, &ru)
	return int32(tid), ws, ru, err
}

func (realPtrace) SetOptions(tid int32, options int) error {
	return unix.PtraceSetOptions(int(tid), options)
}

func (realPtrace) Resume(tid int32, sig int) error {
	return unix.PtraceSyscall(int(tid), sig)
}

func (realPtrace) GetEventMsg(tid int32) (uint, error) {
	return unix.PtraceGetEventMsg(int(tid))
}

// Controller runs the trace loop for one supervised process tree.
type Controller struct {
	backend  regs.Backend
	store    *eventlog.Store
	log      *tlog.Logger
	procs    *proctable.Table
	table    *decoder.Table
	decode   *decoder.Decoder
	execve   syscalltable.ExecveHandler
	execveat syscalltable.ExecveHandler
	chdir    syscalltable.ChdirHandler

	jobs    chan func()
	workers int
	ptrace  ptraceOps
}

// New returns a ready Controller using the default syscall table.
func New(opts Options) *Controller {
	table, execve, execveat, chdir := syscalltable.Default(opts.Log)
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	ptrace := opts.ptrace
	if ptrace == nil {
		ptrace = realPtrace{}
	}
	return &Controller{
		backend:  opts.Backend,
		store:    opts.Store,
		log:      opts.Log,
		procs:    proctable.New(),
		table:    table,
		decode:   decoder.New(table, opts.Store, opts.Log),
		execve:   execve,
		execveat: execveat,
		chdir:    chdir,
		jobs:     make(chan func(), 256),
		workers:  workers,
		ptrace:   ptrace,
	}
}

// Run traces rootPid (started by the supervisor under PTRACE_TRACEME;
// its first stop is the SIGTRAP raised once its initial execve
// completes) until it and
// every descendant have exited, returning rootPid's exit status and,
// if rootPid was still the thread-group leader at exit, its
// rusage-derived CPU time in milliseconds (nil otherwise) — the figure
// the supervisor's cgroup cross-check compares itself against.
//
// Run locks the calling goroutine to its OS thread for its entire
// duration: every ptrace call in this module must issue from the
// thread that is the tracee's registered tracer.
func (c *Controller) Run(ctx context.Context, rootPid int32) (int, *int64, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	grp, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		grp.Go(func() error { return c.runWorker(gctx) })
	}

	rootStatus := -1
	var rootCPUMs *int64
	root := c.procs.Acquire()
	root.Tid = rootPid
	root.Status = proctable.Allocated
	root.Group = proctable.NewGroup(rootPid, cwdOf(rootPid))
	id, err := c.store.AddProcess(nil, root.Group.Wd, false)
	if err != nil {
		close(c.jobs)
		grp.Wait()
		return -1, nil, fmt.Errorf("controller: recording root process: %w", err)
	}
	root.Identifier = id

	loopErr := c.waitLoop(rootPid, root, &rootStatus, &rootCPUMs)
	close(c.jobs)
	if werr := grp.Wait(); werr != nil && loopErr == nil {
		loopErr = werr
	}
	return rootStatus, rootCPUMs, loopErr
}

func (c *Controller) runWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-c.jobs:
			if !ok {
				return nil
			}
			job()
		}
	}
}

func (c *Controller) waitLoop(rootPid int32, root *proctable.Thread, rootStatus *int, rootCPUMs **int64) error {
	for {
		tid32, ws, ru, err := c.ptrace.Wait4()
		if err == unix.ECHILD {
			return nil
		}
		if err != nil {
			return fmt.Errorf("controller: wait4: %w", err)
		}
		tid := int(tid32)

		th := c.procs.Find(tid32)
		if th == nil {
			th = c.adopt(tid32, rootPid, root)
		}

		switch {
		case ws.Exited():
			cpu := c.handleExit(th, ws.ExitStatus(), &ru)
			if tid32 == rootPid {
				*rootStatus = ws.ExitStatus()
				*rootCPUMs = cpu
			}
			continue
		case ws.Signaled():
			cpu := c.handleExit(th, 128+int(ws.Signal()), &ru)
			if tid32 == rootPid {
				*rootStatus = 128 + int(ws.Signal())
				*rootCPUMs = cpu
			}
			continue
		case ws.Stopped():
			sig := ws.StopSignal()
			if th.Status == proctable.Allocated {
				// First stop after PTRACE_TRACEME: Go's os/exec delivers
				// this as the SIGTRAP the kernel raises on the following
				// execve, not a user-raised SIGSTOP, so any signal here
				// means "install options and let it continue" rather
				// than a specific value to match.
				if err := c.ptrace.SetOptions(tid32, traceOptions); err != nil {
					return fmt.Errorf("controller: setting ptrace options on %d: %w", tid, err)
				}
				th.Status = proctable.Attached
				if err := c.ptrace.Resume(tid32, 0); err != nil {
					return fmt.Errorf("controller: resuming %d: %w", tid, err)
				}
				continue
			}

			if sig == unix.SIGTRAP|0x80 {
				c.handleSyscallStop(th)
				if err := c.ptrace.Resume(tid32, 0); err != nil {
					return fmt.Errorf("controller: resuming %d: %w", tid, err)
				}
				continue
			}

			if event := ws.TrapCause(); sig == unix.SIGTRAP && event != 0 {
				c.handleEvent(th, event)
				if err := c.ptrace.Resume(tid32, 0); err != nil {
					return fmt.Errorf("controller: resuming %d: %w", tid, err)
				}
				continue
			}

			if sig == unix.SIGTRAP {
				// Neither a syscall-stop nor a ptrace event: a spurious
				// SIGTRAP is logged and never re-injected.
				c.log.Errorf(tid32, "controller: spurious SIGTRAP on tid %d", tid)
				if err := c.ptrace.Resume(tid32, 0); err != nil {
					return fmt.Errorf("controller: resuming %d: %w", tid, err)
				}
				continue
			}

			// An ordinary signal-delivery-stop: re-inject it unchanged.
			if err := c.ptrace.Resume(tid32, int(sig)); err != nil {
				return fmt.Errorf("controller: resuming %d with signal %d: %w", tid, sig, err)
			}
		}
	}
}

// adopt handles a tid the wait loop has not seen before: either the
// supervised root itself, or a new child whose kernel event we have
// not yet processed.
func (c *Controller) adopt(tid, rootPid int32, root *proctable.Thread) *proctable.Thread {
	if tid == rootPid {
		return root
	}
	th := c.procs.Acquire()
	th.Tid = tid
	th.Status = proctable.Unknown
	return th
}

func (c *Controller) handleExit(th *proctable.Thread, code int, ru *unix.Rusage) *int64 {
	var cpu *int64
	if th.IsLeader() {
		ms := int64(ru.Utime.Sec)*1000 + int64(ru.Utime.Usec)/1000
		cpu = &ms
	}
	id, tid := th.Identifier, th.Tid
	c.submit(func() {
		if err := c.store.AddExit(id, code, cpu); err != nil {
			c.log.Warningf(tid, "controller: recording exit for tid %d: %v", tid, err)
		}
	})
	c.procs.Release(th)
	return cpu
}

// handleSyscallStop is called on every syscall-entry and syscall-exit
// stop; it flips Thread.InSyscall and dispatches to the decoder
// (component D), except for execve/execveat (resolved at EVENT_EXEC,
// not here) and chdir/fchdir (resolved against /proc/<tid>/cwd).
func (c *Controller) handleSyscallStop(th *proctable.Thread) {
	rset, err := c.backend.ReadRegisters(th.Tid)
	if err != nil {
		c.log.Warningf(th.Tid, "controller: reading registers for tid %d: %v", th.Tid, err)
		return
	}
	th.Mode = rset.Mode

	entering := !th.InSyscall
	th.InSyscall = !th.InSyscall

	if entering {
		th.CurrentSyscall = rset.SyscallNr
		th.Params = rset.Params
		if th.MapsPending {
			// First stop after an exec: the flag is only cleared;
			// /proc/<tid>/maps is not read and no loader rows are written.
			th.MapsPending = false
		}
		if at, ok := syscalltable.IsExecve(th.Mode, th.CurrentSyscall); ok {
			h := c.execve
			if at {
				h = c.execveat
			}
			mem := tracemem.NewReader(th.Tid)
			pending, err := h.Enter(mem, th.Mode, th.Params)
			mem.Close()
			if err != nil {
				c.log.Warningf(th.Tid, "controller: decoding execve for tid %d: %v", th.Tid, err)
			} else {
				th.PendingExecve = pending
			}
			return
		}
		mem := tracemem.NewReader(th.Tid)
		c.decode.HandleSyscallEntry(th, mem)
		mem.Close()
		return
	}

	// Exit half. Execve only reaches here on failure (success jumps
	// straight to EVENT_EXEC and never produces this stop); chdir/fchdir
	// resolve against the live cwd instead of going through the decoder.
	if syscalltable.IsChdir(th.Mode, th.CurrentSyscall) {
		th.Retvalue = rset.Retvalue
		wd, err := c.chdir.Resolve(th.Tid, th.Retvalue)
		if err != nil {
			c.log.Warningf(th.Tid, "controller: resolving chdir for tid %d: %v", th.Tid, err)
			return
		}
		if wd != "" && th.Group != nil {
			th.Group.Wd = wd
		}
		return
	}
	if _, ok := syscalltable.IsExecve(th.Mode, th.CurrentSyscall); ok {
		th.PendingExecve = nil // failed execve: old image survives, nothing to record
		return
	}

	th.Retvalue = rset.Retvalue
	mem := tracemem.NewReader(th.Tid)
	c.decode.HandleSyscallExit(th, mem)
	mem.Close()
}

func (c *Controller) handleEvent(th *proctable.Thread, event int) {
	switch event {
	case eventFork, eventVfork, eventClone:
		msg, err := c.ptrace.GetEventMsg(th.Tid)
		if err != nil {
			c.log.Warningf(th.Tid, "controller: reading event message for tid %d: %v", th.Tid, err)
			return
		}
		childTid := int32(msg)
		child := c.procs.Find(childTid)
		if child == nil {
			child = c.procs.Acquire()
			child.Tid = childTid
		}
		child.Status = proctable.Allocated
		if event == eventClone {
			th.Group.Ref()
			child.Group = th.Group
		} else {
			child.Group = proctable.NewGroup(childTid, th.Group.Wd)
		}
		isThread := event == eventClone
		parent := th.Identifier
		id, err := c.store.AddProcess(&parent, child.Group.Wd, isThread)
		if err != nil {
			c.log.Warningf(childTid, "controller: recording process for tid %d: %v", childTid, err)
			return
		}
		child.Identifier = id

	case eventExec:
		th.MapsPending = true
		pending, _ := th.PendingExecve.(*syscalltable.ExecvePending)
		id, tid, wd := th.Identifier, th.Tid, ""
		if th.Group != nil {
			wd = th.Group.Wd
		}
		c.submit(func() {
			if err := c.execve.Resolve(c.store, id, pending, wd); err != nil {
				c.log.Warningf(tid, "controller: recording exec for tid %d: %v", tid, err)
			}
		})
		th.PendingExecve = nil
	}
}

func (c *Controller) submit(job func()) {
	select {
	case c.jobs <- job:
	default:
		// The worker pool is saturated; run inline rather than drop a
		// provenance record or block the wait loop indefinitely on a
		// channel send with no reader making progress.
		job()
	}
}
