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
	"github.com/repro-trace/tracer/internal/decoder"
	"github.com/repro-trace/tracer/internal/regs"
	"github.com/repro-trace/tracer/internal/tlog"
)

// Default builds the ordinary-syscall decoder.Table (everything that
// resolves at a normal syscall-exit stop), plus the two handlers the
// controller drives separately: execve/execveat (resolved at
// EVENT_EXEC) and chdir/fchdir (resolved by reading /proc/<tid>/cwd,
// not registered as an Extractor since it mutates thread-group state
// rather than writing a row). log may be nil, which disables connect's
// route-annotation logging (component L) but not the connections row
// itself.
func Default(log *tlog.Logger) (table *decoder.Table, execve, execveat ExecveHandler, chdir ChdirHandler) {
	table = decoder.NewTable()
	for _, mode := range []regs.Mode{regs.X86_64, regs.I386} {
		n := For(mode)
		table.Register(mode, n.Open, openExtractor{at: false})
		table.Register(mode, n.Openat, openExtractor{at: true})
		table.Register(mode, n.Stat, statExtractor{dirRelative: false})
		table.Register(mode, n.Lstat, statExtractor{dirRelative: false})
		table.Register(mode, n.Fstatat, statExtractor{dirRelative: true})
		table.Register(mode, n.Readlink, readlinkExtractor{dirRelative: false})
		table.Register(mode, n.Readlinkat, readlinkExtractor{dirRelative: true})
		table.Register(mode, n.Connect, connectExtractor{log: log})
		table.Register(mode, n.Bind, bindExtractor{})
		table.Register(mode, n.Accept, acceptExtractor{})
		table.Register(mode, n.Accept4, acceptExtractor{})
		table.Register(mode, n.Socket, socketExtractor{})
	}
	return table, ExecveHandler{AtVariant: false}, ExecveHandler{AtVariant: true}, ChdirHandler{}
}

// IsExecve reports whether nr (in mode) is execve or execveat.
func IsExecve(mode regs.Mode, nr int64) (atVariant bool, ok bool) {
	n := For(mode)
	switch nr {
	case n.Execve:
		return false, true
	case n.Execveat:
		return true, true
	}
	return false, false
}

// IsChdir reports whether nr (in mode) is chdir or fchdir.
func IsChdir(mode regs.Mode, nr int64) bool {
	n := For(mode)
	return nr == n.Chdir || nr == n.Fchdir
}
