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

package syscalltable

import (
	"fmt"

	"github.com/repro-trace/tracer/internal/eventlog"
	"github.com/repro-trace/tracer/internal/regs"
	"github.com/repro-trace/tracer/internal/tracemem"
)

// ExecvePending is the captured (binary, argv, envp, wd) a successful
// execve/execveat replaces the image with. Unlike every other tracked
// syscall, this is resolved at the following PTRACE_EVENT_EXEC rather
// than at a syscall-exit stop — a successful execve never returns to
// the calling image, so no exit stop for it will ever arrive.
type ExecvePending struct {
	Binary string
	Argv   [][]byte
	Envp   [][]byte
}

// ExecveHandler decodes execve/execveat's entry and resolves it at
// EVENT_EXEC. It is wired into the controller directly, not through
// decoder.Table, since its lifecycle spans a ptrace event rather than
// an ordinary syscall exit.
type ExecveHandler struct{ AtVariant bool }

// Enter reads the tracee's (pathname, argv, envp) at syscall-entry,
// before the kernel has begun tearing down the old image.
func (h ExecveHandler) Enter(mem *tracemem.Reader, mode regs.Mode, params [6]regs.Value) (*ExecvePending, error) {
	pathIdx, argvIdx, envpIdx := 0, 1, 2
	if h.AtVariant {
		pathIdx, argvIdx, envpIdx = 1, 2, 3
	}
	wordSize := 8
	if mode == regs.I386 {
		wordSize = 4
	}
	path, err := mem.ReadCString(params[pathIdx].P)
	if err != nil {
		return nil, fmt.Errorf("execve: reading path: %w", err)
	}
	argv, err := mem.ReadArgvEnvp(params[argvIdx].P, wordSize)
	if err != nil {
		return nil, fmt.Errorf("execve: reading argv: %w", err)
	}
	envp, err := mem.ReadArgvEnvp(params[envpIdx].P, wordSize)
	if err != nil {
		return nil, fmt.Errorf("execve: reading envp: %w", err)
	}
	return &ExecvePending{Binary: path, Argv: argv, Envp: envp}, nil
}

// Resolve writes the executed_files row once EVENT_EXEC confirms the
// new image is live. wd is the thread group's working directory at
// the moment of the call.
func (h ExecveHandler) Resolve(store *eventlog.Store, process int64, pending *ExecvePending, wd string) error {
	if pending == nil {
		return nil
	}
	return store.AddExec(process, pending.Binary, pending.Argv, pending.Envp, wd)
}
