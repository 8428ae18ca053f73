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
	"fmt"

	cgroups "github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/repro-trace/tracer/internal/tlog"
)

// placeInCgroup creates a private cpu/cpuacct cgroup for pid and
// returns its path, so a run's aggregate CPU usage can be cross-checked
// against the thread-group leader's own rusage-derived cpu_time
// (component K; diagnostic only — the leader's recorded cpu_time is
// never replaced by this figure).
func placeInCgroup(pid int32) (string, error) {
	pathStr := fmt.Sprintf("/repro-trace/%d", pid)
	control, err := cgroups.New(cgroups.V1, cgroups.StaticPath(pathStr), &specs.LinuxResources{})
	if err != nil {
		return "", fmt.Errorf("cgroup: creating control group: %w", err)
	}
	if err := control.Add(cgroups.Process{Pid: int(pid)}); err != nil {
		return "", fmt.Errorf("cgroup: adding pid %d: %w", pid, err)
	}
	return pathStr, nil
}

// divergenceThreshold is the fraction by which the cgroup's aggregate
// cpuacct.usage may differ from the leader's own rusage-derived
// cpu_time before it's worth a warning; below it, the gap is just the
// usual rusage/cgroup accounting slop (clock granularity, the cgroup
// controller's own bookkeeping overhead).
const divergenceThreshold = 0.10

// checkCgroupDivergence logs a warning when the cgroup's aggregate CPU
// accounting diverges from leaderCPUMs (the rusage-derived cpu_time
// recorded for the thread-group leader) by more than
// divergenceThreshold — a sign rusage undercounted descendant CPU use,
// a known limitation: it reflects only reaped children, not threads or
// orphaned grandchildren. leaderCPUMs is nil when the root tid was not
// the group leader at exit, in which case there is nothing to compare.
func checkCgroupDivergence(path string, leaderCPUMs *int64, log *tlog.Logger) {
	control, err := cgroups.Load(cgroups.V1, cgroups.StaticPath(path))
	if err != nil {
		log.Warningf(0, "cgroup: loading %s for final accounting: %v", path, err)
		return
	}
	defer func() {
		if err := control.Delete(); err != nil {
			log.Warningf(0, "cgroup: cleaning up %s: %v", path, err)
		}
	}()

	stats, err := control.Stat()
	if err != nil {
		log.Warningf(0, "cgroup: reading stats for %s: %v", path, err)
		return
	}
	if stats.CPU == nil || stats.CPU.Usage == nil || leaderCPUMs == nil {
		return
	}

	cgroupMs := float64(stats.CPU.Usage.Total) / 1e6
	rusageMs := float64(*leaderCPUMs)
	if rusageMs == 0 {
		return
	}
	divergence := (cgroupMs - rusageMs) / rusageMs
	if divergence < 0 {
		divergence = -divergence
	}
	if divergence > divergenceThreshold {
		log.Warningf(0, "cgroup: %s cpu usage %.1fms diverges from rusage %.1fms by %.0f%% (threshold %.0f%%)",
			path, cgroupMs, rusageMs, divergence*100, divergenceThreshold*100)
		return
	}
	log.Debugf(0, "cgroup: %s cpu usage %.1fms within %.0f%% of rusage %.1fms", path, cgroupMs, divergenceThreshold*100, rusageMs)
}
