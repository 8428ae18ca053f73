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
	"path/filepath"
	"testing"

	"github.com/mohae/deepcopy"
	"github.com/stretchr/testify/require"

	"github.com/repro-trace/tracer/internal/eventlog"
)

// baseExecvePending is a shared fixture every subtest below mutates a
// copy of. Argv/Envp are built with spare capacity so that appending to
// a shallow copy's slice would write into the same backing array as
// the original — a plain struct assignment (which only copies the
// slice headers, not their backing arrays) would then let one
// subtest's append corrupt another subtest's expected argv.
// deepcopy.Copy walks the full Argv/Envp slice-of-slices graph and
// gives each case its own backing arrays, so the corruption can't
// happen; a test against this fixture would fail without it.
var baseExecvePending = ExecvePending{
	Binary: "/usr/bin/true",
	Argv:   append(make([][]byte, 0, 4), []byte("true")),
	Envp:   append(make([][]byte, 0, 4), []byte("PATH=/usr/bin")),
}

func TestExecveResolveDoesNotMutateSharedFixture(t *testing.T) {
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.sqlite3"))
	require.NoError(t, err)
	defer store.Close(true)

	proc, err := store.AddProcess(nil, "/", false)
	require.NoError(t, err)

	cases := []struct {
		name      string
		extraArgv []byte
	}{
		{"no-extra-arg", nil},
		{"with-verbose-flag", []byte("--verbose")},
	}

	var h ExecveHandler
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			pending := deepcopy.Copy(baseExecvePending).(ExecvePending)
			if tc.extraArgv != nil {
				pending.Argv = append(pending.Argv, tc.extraArgv)
			}
			require.NoError(t, h.Resolve(store, proc, &pending, "/"))
			require.Len(t, baseExecvePending.Argv, 1, "mutating a deep copy must never affect the shared fixture")
			require.Nil(t, baseExecvePending.Argv[:cap(baseExecvePending.Argv)][1], "appending to a deep copy must never write into the fixture's backing array")
		})
	}
}
