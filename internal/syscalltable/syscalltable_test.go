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

	"github.com/stretchr/testify/require"

	"github.com/repro-trace/tracer/internal/eventlog"
	"github.com/repro-trace/tracer/internal/regs"
)

func TestNumbersDiffersByMode(t *testing.T) {
	require.NotEqual(t, X8664.Open, I386.Open)
	require.Equal(t, int64(59), For(regs.X86_64).Execve)
	require.Equal(t, int64(11), For(regs.I386).Execve)
}

func TestIsExecveRecognizesBothVariants(t *testing.T) {
	at, ok := IsExecve(regs.X86_64, X8664.Execve)
	require.True(t, ok)
	require.False(t, at)

	at, ok = IsExecve(regs.X86_64, X8664.Execveat)
	require.True(t, ok)
	require.True(t, at)

	_, ok = IsExecve(regs.X86_64, 9999)
	require.False(t, ok)
}

func TestIsChdir(t *testing.T) {
	require.True(t, IsChdir(regs.X86_64, X8664.Chdir))
	require.True(t, IsChdir(regs.X86_64, X8664.Fchdir))
	require.False(t, IsChdir(regs.X86_64, X8664.Open))
}

func TestFamilyName(t *testing.T) {
	require.Equal(t, "AF_INET", familyName(2))
	require.Equal(t, "AF_INET6", familyName(10))
	require.Equal(t, "AF_UNIX", familyName(1))
	require.Contains(t, familyName(99), "99")
}

func TestAddressHex(t *testing.T) {
	require.Equal(t, "00ff10", addressHex([]byte{0x00, 0xff, 0x10}))
	require.Equal(t, "", addressHex(nil))
}

func TestOpenAndStatExtractorsSkipFailedSyscalls(t *testing.T) {
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.sqlite3"))
	require.NoError(t, err)
	defer store.Close(true)

	proc, err := store.AddProcess(nil, "/", false)
	require.NoError(t, err)

	var o openExtractor
	require.NoError(t, o.Exit(store, proc, openPending{path: "/etc/passwd", mode: eventlog.FileRead}, regs.Value{I: -1}, nil))

	var s statExtractor
	require.NoError(t, s.Exit(store, proc, statPending{path: "/etc/hostname"}, regs.Value{I: -2}, nil))
}

func TestNoOpExtractorsNeverError(t *testing.T) {
	require.NoError(t, (bindExtractor{}).Exit(nil, 0, nil, regs.Value{}, nil))
	require.NoError(t, (socketExtractor{}).Exit(nil, 0, nil, regs.Value{}, nil))
}

func TestAcceptExtractorRecordsUnknownFamilyWithoutAMemoryReader(t *testing.T) {
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.sqlite3"))
	require.NoError(t, err)
	defer store.Close(true)

	proc, err := store.AddProcess(nil, "/", false)
	require.NoError(t, err)

	var a acceptExtractor
	pending, err := a.Enter(nil, regs.X86_64, [6]regs.Value{})
	require.NoError(t, err)
	require.Equal(t, acceptPending{}, pending)

	// A failed accept() or one whose caller passed a NULL addr (no mem
	// to decode, or addr == 0) must still produce no error.
	require.NoError(t, a.Exit(store, proc, pending, regs.Value{I: -1}, nil))
	require.NoError(t, a.Exit(store, proc, pending, regs.Value{I: 7}, nil))
}
