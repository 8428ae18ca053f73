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

package supervisor

import (
	"github.com/syndtr/gocapability/capability"

	"github.com/repro-trace/tracer/internal/tlog"
)

// warnIfMissingPtraceCapability logs a debug-level startup diagnostic
// when this process does not hold CAP_SYS_PTRACE in its effective set;
// the target's uid is not checked. It
// never aborts the run: the attach attempt that follows is the
// authoritative check, and a same-uid trace is legal without the
// capability at all. This only tells the operator which case they are
// in before the (less legible) ESRCH/EPERM from ptrace itself arrives.
func warnIfMissingPtraceCapability(log *tlog.Logger) {
	caps, err := capability.NewPid2(0)
	if err != nil {
		log.Debugf(0, "supervisor: reading process capabilities: %v", err)
		return
	}
	if err := caps.Load(); err != nil {
		log.Debugf(0, "supervisor: loading process capabilities: %v", err)
		return
	}
	if !caps.Get(capability.EFFECTIVE, capability.CAP_SYS_PTRACE) {
		log.Debugf(0, "supervisor: CAP_SYS_PTRACE not held; tracing will only succeed against same-uid targets")
	}
}
