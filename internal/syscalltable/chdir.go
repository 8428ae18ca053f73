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
	"os"

	"github.com/repro-trace/tracer/internal/regs"
)

// ChdirHandler resolves chdir/fchdir at syscall-exit by reading the
// tracee's own /proc/<tid>/cwd symlink rather than joining paths
// ourselves — it is exactly as correct as the kernel's own resolution
// and sidesteps relative-path and symlink-following edge cases a
// hand-rolled join would get wrong. The reference tracer does not
// track working-directory changes at all; this is a deliberate
// addition.
type ChdirHandler struct{}

// Resolve returns the thread's new working directory after a
// successful chdir/fchdir, or "" if ret indicates failure.
func (ChdirHandler) Resolve(tid int32, ret regs.Value) (string, error) {
	if ret.I < 0 {
		return "", nil
	}
	wd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", tid))
	if err != nil {
		return "", fmt.Errorf("chdir: reading cwd for tid %d: %w", tid, err)
	}
	return wd, nil
}
