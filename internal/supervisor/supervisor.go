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

// Package supervisor is the top-level orchestrator (component F): it
// starts the traced process under PTRACE_TRACEME, hands it to
// internal/controller, optionally places it in a cgroup for an
// accounting cross-check and gives it a PTY, and commits or rolls back
// the event log depending on how the run ended.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/containerd/console"
	"github.com/repro-trace/tracer/internal/controller"
	"github.com/repro-trace/tracer/internal/eventlog"
	"github.com/repro-trace/tracer/internal/regs"
	"github.com/repro-trace/tracer/internal/tlog"
)

// Options configures one traced run.
type Options struct {
	Binary       string
	Argv         []string
	DatabasePath string
	Log          *tlog.Logger

	// EnableCgroupCheck places the traced process in a private
	// cpu/cpuacct cgroup and logs a warning if its aggregate usage
	// diverges from the leader's own rusage-derived cpu_time by more
	// than 10% (component K; diagnostic only — cpu_time itself is never
	// overwritten by the cgroup figure).
	EnableCgroupCheck bool

	// EnablePTY wraps this process' stdin terminal as a console and gives
	// it to the traced process as stdin, stdout and stderr; no new
	// pseudoterminal is allocated. If stdin is not a terminal, the run
	// falls back to inherited stdio.
	EnablePTY bool
}

// doubleInterruptWindow is how long a second SIGINT must follow the
// first to be treated as "tear down now, discard the log" rather than
// two separate, unrelated interrupts.
const doubleInterruptWindow = 2 * time.Second

// Run starts and traces Binary/Argv, returning the traced process'
// exit status. The event log at DatabasePath is committed on a normal
// exit and rolled back if a second SIGINT arrives within
// doubleInterruptWindow of the first.
func Run(ctx context.Context, opts Options) (int, error) {
	// The OS thread that starts the child becomes its ptrace tracer, and
	// controller.Run issues every later ptrace call from this goroutine,
	// so both must run on the same locked thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	warnIfMissingPtraceCapability(opts.Log)

	store, err := eventlog.Open(opts.DatabasePath)
	if err != nil {
		return -1, fmt.Errorf("supervisor: opening event log: %w", err)
	}

	cmd := exec.Command(opts.Binary, opts.Argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}

	var pty console.Console
	if opts.EnablePTY {
		pty, err = console.ConsoleFromFile(os.Stdin)
		if err != nil {
			opts.Log.Warningf(0, "supervisor: no controlling PTY available, falling back to inherited stdio: %v", err)
			opts.EnablePTY = false
		}
	}
	if opts.EnablePTY {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = pty, pty, pty
	} else {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	}

	if err := cmd.Start(); err != nil {
		store.Close(true)
		return -1, fmt.Errorf("supervisor: starting %s: %w", opts.Binary, err)
	}
	rootPid := int32(cmd.Process.Pid)

	var cgroupPath string
	if opts.EnableCgroupCheck {
		cgroupPath, err = placeInCgroup(rootPid)
		if err != nil {
			opts.Log.Warningf(0, "supervisor: cgroup accounting disabled: %v", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rollback := make(chan struct{}, 1)
	go watchInterrupts(sigCh, rootPid, rollback, opts.Log)

	ctl := controller.New(controller.Options{
		Backend: regs.NewPtraceBackend(),
		Store:   store,
		Log:     opts.Log,
	})

	status, leaderCPUMs, runErr := ctl.Run(runCtx, rootPid)

	abort := false
	select {
	case <-rollback:
		abort = true
	default:
	}

	if opts.EnableCgroupCheck && cgroupPath != "" {
		checkCgroupDivergence(cgroupPath, leaderCPUMs, opts.Log)
	}

	if err := store.Close(abort); err != nil {
		return status, fmt.Errorf("supervisor: closing event log: %w", err)
	}
	if abort {
		return status, fmt.Errorf("supervisor: run aborted by double interrupt, event log rolled back")
	}
	return status, runErr
}

// watchInterrupts implements the double-SIGINT teardown: a lone
// SIGINT is forwarded to the traced process group like any foreground
// job; a second one arriving within doubleInterruptWindow kills it and
// signals the caller to roll back rather than commit the event log.
func watchInterrupts(sigCh <-chan os.Signal, pgid int32, rollback chan<- struct{}, log *tlog.Logger) {
	var last time.Time
	for range sigCh {
		now := time.Now()
		if !last.IsZero() && now.Sub(last) <= doubleInterruptWindow {
			log.Warningf(pgid, "supervisor: second interrupt within %s, killing process group %d and discarding the log", doubleInterruptWindow, pgid)
			syscall.Kill(-int(pgid), syscall.SIGKILL)
			select {
			case rollback <- struct{}{}:
			default:
			}
			return
		}
		last = now
		syscall.Kill(-int(pgid), syscall.SIGINT)
	}
}
