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

//go:build linux
// +build linux

package regs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse64ExtractsSyscallAndParams(t *testing.T) {
	buf := make([]byte, x8664RegsSize)
	put := func(off int, v uint64) { binary.LittleEndian.PutUint64(buf[off:], v) }
	put(14*8, 0x1111) // rdi
	put(13*8, 0x2222) // rsi
	put(12*8, 0x3333) // rdx
	put(7*8, 0x4444)  // r10
	put(9*8, 0x5555)  // r8
	put(8*8, 0x6666)  // r9
	put(15*8, 257)    // orig_rax: openat
	put(10*8, ^uint64(4)+1) // rax = -4 (some negative return value)

	r := parse64(buf)
	require.Equal(t, X86_64, r.Mode)
	require.Equal(t, int64(257), r.SyscallNr)
	require.Equal(t, uintptr(0x1111), r.Params[0].P)
	require.Equal(t, uintptr(0x5555), r.Params[4].P)
	require.Equal(t, int64(-4), r.Retvalue.I)
}

func TestParse32ExtractsSyscallAndParams(t *testing.T) {
	buf := make([]byte, i386RegsSize)
	put := func(off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
	put(0, 0xaaaa)  // ebx
	put(4, 0xbbbb)  // ecx
	put(8, 0xcccc)  // edx
	put(12, 0xdddd) // esi
	put(16, 0xeeee) // edi
	put(20, 0xffff) // ebp
	put(24, 0)      // eax
	put(44, 5)      // orig_eax: open (i386)

	r := parse32(buf)
	require.Equal(t, I386, r.Mode)
	require.Equal(t, int64(5), r.SyscallNr)
	require.Equal(t, uintptr(0xaaaa), r.Params[0].P)
	require.Equal(t, uintptr(0xffff), r.Params[5].P)
}

func TestValueFromSignExtension(t *testing.T) {
	v := valueFrom32(^uint32(0)) // -1 in 32-bit two's complement
	require.Equal(t, int64(-1), v.I)

	v64 := valueFrom64(^uint64(0))
	require.Equal(t, int64(-1), v64.I)
}
