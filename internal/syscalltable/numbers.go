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

// Package syscalltable is the default syscall table (component G): the
// concrete extractors (open family, stat family, readlink
// family, execve family, the socket calls needed for the connections
// table) bound to their i386 and x86_64 syscall numbers.
package syscalltable

import "github.com/repro-trace/tracer/internal/regs"

// Numbers is one mode's syscall-number assignment for every syscall
// this module tracks.
type Numbers struct {
	Open, Openat                       int64
	Stat, Lstat, Fstatat                int64
	Readlink, Readlinkat                int64
	Execve, Execveat                    int64
	Connect, Bind, Accept, Accept4      int64
	Socket                              int64
	Chdir, Fchdir                       int64
}

// X8664 is the native x86_64 syscall table.
var X8664 = Numbers{
	Open: 2, Openat: 257,
	Stat: 4, Lstat: 6, Fstatat: 262,
	Readlink: 89, Readlinkat: 267,
	Execve: 59, Execveat: 322,
	Connect: 42, Bind: 49, Accept: 43, Accept4: 288,
	Socket: 41,
	Chdir:  80, Fchdir: 81,
}

// I386 is the 32-bit syscall table for a tracee running under an
// x86_64 kernel. Note: pre-4.3 kernels multiplex socket operations
// through socketcall(2) (number 102) instead of the direct numbers
// below; this module only tracks the direct-syscall ABI and treats
// the socketcall(2) multiplexing path as out of scope.
//
// There is no direct SYS_ACCEPT on i386 at all — only accept4(2) was
// ever split out of socketcall(2) as its own syscall number. Accept
// and Accept4 are therefore set to the same number so both fields
// route through the one syscall that actually fires.
var I386 = Numbers{
	Open: 5, Openat: 295,
	Stat: 106, Lstat: 107, Fstatat: 300,
	Readlink: 85, Readlinkat: 305,
	Execve: 11, Execveat: 358,
	Connect: 362, Bind: 361, Accept: 364, Accept4: 364,
	Socket: 359,
	Chdir:  12, Fchdir: 133,
}

// For looks up the Numbers table for mode.
func For(mode regs.Mode) Numbers {
	if mode == regs.I386 {
		return I386
	}
	return X8664
}
