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

package proctable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireGrowsPoolWithoutInvalidatingPointers(t *testing.T) {
	tbl := New()
	held := make([]*Thread, 0, 64)
	for i := 0; i < 64; i++ {
		th := tbl.Acquire()
		th.Tid = int32(i + 1)
		th.Status = Attached
		held = append(held, th)
	}
	for i, th := range held {
		require.Equal(t, int32(i+1), th.Tid, "pointer identity must survive pool growth")
	}
}

func TestReleaseFreesSlotAndDestroysEmptyGroup(t *testing.T) {
	tbl := New()
	th := tbl.Acquire()
	th.Tid = 42
	th.Status = Attached
	th.Group = NewGroup(42, "/tmp")

	tbl.Release(th)
	require.Equal(t, Free, th.Status)
	require.Nil(t, th.Group)

	active, unknown := tbl.Count()
	require.Zero(t, active)
	require.Zero(t, unknown)
}

func TestThreadGroupRefcounting(t *testing.T) {
	g := NewGroup(1, "/")
	require.Equal(t, 1, g.Refs())
	g.Ref()
	require.Equal(t, 2, g.Refs())
}

func TestFindReturnsOnlyLiveThreads(t *testing.T) {
	tbl := New()
	th := tbl.Acquire()
	th.Tid = 7
	th.Status = Attached
	require.Same(t, th, tbl.Find(7))

	tbl.Release(th)
	require.Nil(t, tbl.Find(7))
}

func TestIsLeader(t *testing.T) {
	g := NewGroup(100, "/")
	leader := &Thread{Tid: 100, Group: g}
	follower := &Thread{Tid: 101, Group: g}
	require.True(t, leader.IsLeader())
	require.False(t, follower.IsLeader())
}
