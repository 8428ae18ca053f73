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

// Package proctable is the process table (component B): a growable pool
// of Thread slots addressed by stable index, plus the ThreadGroup each
// live Thread shares with the rest of its process.
package proctable

import (
	"github.com/repro-trace/tracer/internal/regs"
)

// Status is a Thread's place in the lifecycle 
type Status int

const (
	// Free marks a reusable, unallocated slot.
	Free Status = iota
	// Unknown marks a thread the kernel reported before its creator's
	// fork/clone syscall-exit-stop told us which group it belongs to.
	Unknown
	// Allocated marks a thread we created a row for but have not yet
	// observed its first ptrace stop.
	Allocated
	// Attached marks a thread under full ptrace control.
	Attached
)

func (s Status) String() string {
	switch s {
	case Free:
		return "FREE"
	case Unknown:
		return "UNKNOWN"
	case Allocated:
		return "ALLOCATED"
	case Attached:
		return "ATTACHED"
	default:
		return "?"
	}
}

// ThreadGroup is the kernel thread-group (the "process" in user terms),
// shared and reference-counted by every live Thread in it. It owns the
// working directory, since chdir affects the whole group, not one
// thread.
type ThreadGroup struct {
	Tgid int32
	Wd   string
	refs int

	// CgroupPath names a private cpu/cpuacct cgroup for accounting
	// cross-checks (component K). Nothing in this module sets it, so it
	// is always empty; the supervisor keeps the path of the cgroup it
	// creates itself. Not part of any persisted row.
	CgroupPath string
}

// Pending is the opaque, per-extractor payload stashed between a
// syscall's entry and the point it is resolved — normally the matching
// exit-stop, but for execve, the following EVENT_EXEC ptrace-event.
type Pending interface{}

// Thread is the unit the kernel stops and resumes.
type Thread struct {
	Tid    int32
	Status Status
	Group  *ThreadGroup

	InSyscall      bool
	CurrentSyscall int64
	Mode           regs.Mode
	Params         [6]regs.Value
	Retvalue       regs.Value

	// Pending holds the extractor's entry-phase payload for the
	// syscall currently in flight, consumed at the matching exit-stop.
	Pending Pending

	// PendingExecve holds a captured (binary, argv, envp) execve
	// payload, consumed at EVENT_EXEC rather than at the (never-fired,
	// on success) syscall-exit-stop for execve.
	PendingExecve Pending

	// MapsPending is set by the EVENT_EXEC handler and cleared by the
	// first following entry-stop. /proc/<tid>/maps is not read, so no
	// opened_files rows are written for the new image's mapped files.
	MapsPending bool

	// Identifier is this thread's processes.id row, assigned by
	// eventlog.AddProcess.
	Identifier int64
}

// release resets t to a free slot. Callers must already hold whatever
// lock protects the table; Table.Release wraps this with group
// ref-counting.
func (t *Thread) release() {
	t.Status = Free
	t.Group = nil
	t.InSyscall = false
	t.CurrentSyscall = 0
	t.Pending = nil
	t.PendingExecve = nil
	t.MapsPending = false
	t.Identifier = 0
}

// IsLeader reports whether t is its thread-group's leader — the thread
// whose tid equals the group's tgid — which is the only thread whose
// cpu_time is recorded.
func (t *Thread) IsLeader() bool {
	return t.Group != nil && t.Tid == t.Group.Tgid
}
