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

import "sync"

const initialSize = 16

// Table is the growable pool of Thread slots tracked for one run.
// Slots are addressed by a stable index (each slot holds a *Thread
// pointer, not an inline struct) so that growing the backing slice via
// append never invalidates a pointer a caller already holds — the same
// reason the reference tracer boxes its slots rather than using a flat
// array of structs.
//
// The pool never shrinks, and a slot is never reused while its Thread
// is non-FREE. Traced populations are typically small, so the linear
// scans in Find/Acquire/Count are cheap in practice and keep the
// implementation — and the decoder code that holds raw *Thread
// references across a stop — simple.
type Table struct {
	mu    sync.Mutex
	slots []*Thread
}

// New returns an empty Table with the starting size of 16
// free slots.
func New() *Table {
	t := &Table{slots: make([]*Thread, 0, initialSize)}
	for i := 0; i < initialSize; i++ {
		t.slots = append(t.slots, &Thread{Status: Free})
	}
	return t
}

// Find returns the live (non-FREE) Thread with the given tid, or nil.
func (t *Table) Find(tid int32) *Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s.Status != Free && s.Tid == tid {
			return s
		}
	}
	return nil
}

// Acquire returns a FREE slot, doubling the pool if none is available.
// The caller is responsible for setting Tid/Status/Group on the
// returned Thread.
func (t *Table) Acquire() *Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s.Status == Free {
			return s
		}
	}
	prev := len(t.slots)
	for i := 0; i < prev; i++ {
		t.slots = append(t.slots, &Thread{Status: Free})
	}
	return t.slots[prev]
}

// Release frees t, decrementing (and possibly destroying) its
// ThreadGroup, and clears any pending execve record.
func (t *Table) Release(th *Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if th.Group != nil {
		th.Group.refs--
		if th.Group.refs == 0 {
			th.Group.Wd = ""
		}
	}
	th.release()
}

// Count reports the number of live (non-FREE) threads, and how many of
// those are still UNKNOWN (parked pending their creator's fork/clone
// return).
func (t *Table) Count() (active, unknown int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		switch s.Status {
		case Free:
		case Unknown:
			unknown++
			active++
		default:
			active++
		}
	}
	return active, unknown
}

// NewGroup creates a fresh, single-referenced ThreadGroup.
func NewGroup(tgid int32, wd string) *ThreadGroup {
	return &ThreadGroup{Tgid: tgid, Wd: wd, refs: 1}
}

// Ref increments a ThreadGroup's reference count, used when a new
// clone-as-thread joins an existing group.
func (g *ThreadGroup) Ref() {
	g.refs++
}

// Refs reports the current reference count (tests only).
func (g *ThreadGroup) Refs() int { return g.refs }
