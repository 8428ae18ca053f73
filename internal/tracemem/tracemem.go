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

// Package tracemem reads a stopped tracee's memory (component J): the
// strings and byte arrays a syscall's register parameters merely point
// at. /proc/<tid>/mem is the primary path, since it lets us read in
// arbitrarily large chunks in one syscall; PTRACE_PEEKDATA (one word at
// a time, exactly as the reference's own get_word does) is the fallback
// for threads whose /proc entry is racing exit or was never mapped
// (some sandboxed or very short-lived tracees).
package tracemem

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	chunkSize  = 4096
	maxCString = 4096 // paths/args longer than this are truncated, not rejected
)

// Reader reads a single stopped tid's address space.
type Reader struct {
	tid int32
	mem *os.File // nil until first use, or if /proc/<tid>/mem is unusable
}

// NewReader returns a Reader for tid. Nothing is opened yet.
func NewReader(tid int32) *Reader {
	return &Reader{tid: tid}
}

// Close releases the underlying /proc/<tid>/mem handle, if one was opened.
func (r *Reader) Close() error {
	if r.mem != nil {
		err := r.mem.Close()
		r.mem = nil
		return err
	}
	return nil
}

func (r *Reader) ensureOpen() {
	if r.mem != nil {
		return
	}
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", r.tid), os.O_RDONLY, 0)
	if err == nil {
		r.mem = f
	}
}

// ReadBytes reads exactly n bytes at addr.
func (r *Reader) ReadBytes(addr uintptr, n int) ([]byte, error) {
	r.ensureOpen()
	if r.mem != nil {
		buf := make([]byte, n)
		if _, err := r.mem.ReadAt(buf, int64(addr)); err == nil {
			return buf, nil
		}
		// Fall through to PEEKDATA; /proc/<tid>/mem can legitimately
		// fail mid-trace (e.g. the tracee is between exec and the
		// kernel republishing its maps).
	}
	return r.peekBytes(addr, n)
}

const wordSize = 8 // x86_64 and i386-on-x86_64 both peek in 8-byte words via this backend

// peekBytes reads n bytes one word at a time via PTRACE_PEEKDATA, the
// same primitive the reference tracer uses unconditionally.
func (r *Reader) peekBytes(addr uintptr, n int) ([]byte, error) {
	out := make([]byte, 0, n+wordSize)
	var buf [wordSize]byte
	for len(out) < n {
		if _, err := unix.PtracePeekData(int(r.tid), addr+uintptr(len(out)), buf[:]); err != nil {
			return nil, fmt.Errorf("tracemem: peekdata tid %d addr %#x: %w", r.tid, addr, err)
		}
		out = append(out, buf[:]...)
	}
	return out[:n], nil
}

// ReadCString reads a NUL-terminated string at addr, up to maxCString
// bytes, matching the reference's own bounded get_string.
func (r *Reader) ReadCString(addr uintptr) (string, error) {
	if addr == 0 {
		return "", nil
	}
	var out bytes.Buffer
	for out.Len() < maxCString {
		chunk, err := r.ReadBytes(addr+uintptr(out.Len()), chunkSize)
		if err != nil {
			if out.Len() > 0 {
				break
			}
			return "", err
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			out.Write(chunk[:i])
			return out.String(), nil
		}
		out.Write(chunk)
	}
	return out.String(), nil
}

// ReadArgvEnvp reads a NULL-terminated array of char* pointers at addr
// (argv or envp), dereferencing each into a string, stopping at the
// first NULL pointer or after a generous bound to protect against a
// corrupt or adversarial tracee.
func (r *Reader) ReadArgvEnvp(addr uintptr, wordSize int) ([][]byte, error) {
	if addr == 0 {
		return nil, nil
	}
	const maxEntries = 8192
	var out [][]byte
	for i := 0; i < maxEntries; i++ {
		raw, err := r.ReadBytes(addr+uintptr(i*wordSize), wordSize)
		if err != nil {
			return out, err
		}
		ptr := bytesToUintptr(raw, wordSize)
		if ptr == 0 {
			break
		}
		s, err := r.ReadCString(ptr)
		if err != nil {
			return out, err
		}
		out = append(out, []byte(s))
	}
	return out, nil
}

func bytesToUintptr(b []byte, wordSize int) uintptr {
	var v uintptr
	for i := wordSize - 1; i >= 0; i-- {
		v = v<<8 | uintptr(b[i])
	}
	return v
}

// ReadSockaddr reads a raw sockaddr at addr for len bytes (bound by the
// kernel's own sizeof(sockaddr_storage)), returning the address family
// and the opaque payload unparsed; internal/syscalltable decides how to
// render it per family.
func (r *Reader) ReadSockaddr(addr uintptr, length int) (family uint16, payload []byte, err error) {
	const maxSockaddr = 128 // sizeof(struct sockaddr_storage)
	if length <= 0 || length > maxSockaddr {
		length = maxSockaddr
	}
	buf, err := r.ReadBytes(addr, length)
	if err != nil {
		return 0, nil, err
	}
	if len(buf) < 2 {
		return 0, nil, fmt.Errorf("tracemem: short sockaddr at %#x", addr)
	}
	family = uint16(buf[0]) | uint16(buf[1])<<8
	return family, buf[2:], nil
}
