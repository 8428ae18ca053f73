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
	"net"

	"github.com/repro-trace/tracer/internal/eventlog"
	"github.com/repro-trace/tracer/internal/netenrich"
	"github.com/repro-trace/tracer/internal/proctable"
	"github.com/repro-trace/tracer/internal/regs"
	"github.com/repro-trace/tracer/internal/tlog"
	"github.com/repro-trace/tracer/internal/tracemem"
)

const (
	oAccmode = 0x3
	oWronly  = 0x1
	oRdwr    = 0x2
)

// openPending is what Enter stashes for open/openat between entry and
// exit: the path and the file mode bits AddFileOpen wants.
type openPending struct {
	path string
	mode int
}

// openExtractor handles both open(path, flags, ...) and
// openat(dirfd, path, flags, ...); at is true for the latter, which
// shifts every argument one slot to the right.
type openExtractor struct{ at bool }

func (e openExtractor) Enter(mem *tracemem.Reader, mode regs.Mode, params [6]regs.Value) (proctable.Pending, error) {
	pathIdx, flagsIdx := 0, 1
	if e.at {
		pathIdx, flagsIdx = 1, 2
	}
	path, err := mem.ReadCString(params[pathIdx].P)
	if err != nil {
		return nil, fmt.Errorf("open: reading path: %w", err)
	}
	flags := params[flagsIdx].U
	fmode := eventlog.FileRead
	switch flags & oAccmode {
	case oWronly:
		fmode = eventlog.FileWrite
	case oRdwr:
		fmode = eventlog.FileRead | eventlog.FileWrite
	}
	return openPending{path: path, mode: fmode}, nil
}

func (e openExtractor) Exit(store *eventlog.Store, process int64, pending proctable.Pending, ret regs.Value, _ *tracemem.Reader) error {
	if ret.I < 0 {
		return nil
	}
	p := pending.(openPending)
	return store.AddFileOpen(process, p.path, p.mode, false)
}

// statPending carries the resolved path for the stat family, whose
// exit-time action is identical to open's but unconditional on a
// specific success code beyond "did not fail".
type statPending struct{ path string }

// statExtractor handles stat/lstat (path in params[0]) and
// fstatat/newfstatat (path in params[1]); dirRelative selects which.
type statExtractor struct{ dirRelative bool }

func (e statExtractor) Enter(mem *tracemem.Reader, mode regs.Mode, params [6]regs.Value) (proctable.Pending, error) {
	idx := 0
	if e.dirRelative {
		idx = 1
	}
	path, err := mem.ReadCString(params[idx].P)
	if err != nil {
		return nil, fmt.Errorf("stat: reading path: %w", err)
	}
	return statPending{path: path}, nil
}

func (e statExtractor) Exit(store *eventlog.Store, process int64, pending proctable.Pending, ret regs.Value, _ *tracemem.Reader) error {
	if ret.I < 0 {
		return nil
	}
	p := pending.(statPending)
	return store.AddFileOpen(process, p.path, eventlog.FileStat, false)
}

// readlinkExtractor handles readlink (path in params[0]) and
// readlinkat (path in params[1]).
type readlinkExtractor struct{ dirRelative bool }

func (e readlinkExtractor) Enter(mem *tracemem.Reader, mode regs.Mode, params [6]regs.Value) (proctable.Pending, error) {
	idx := 0
	if e.dirRelative {
		idx = 1
	}
	path, err := mem.ReadCString(params[idx].P)
	if err != nil {
		return nil, fmt.Errorf("readlink: reading path: %w", err)
	}
	return statPending{path: path}, nil
}

func (e readlinkExtractor) Exit(store *eventlog.Store, process int64, pending proctable.Pending, ret regs.Value, _ *tracemem.Reader) error {
	if ret.I < 0 {
		return nil
	}
	p := pending.(statPending)
	return store.AddFileOpen(process, p.path, eventlog.FileLink, false)
}

// connectPending carries the peer address connect(2) resolved at
// entry; the kernel copies the sockaddr out of the tracee before the
// syscall can fail, so it is safe to read at entry time.
type connectPending struct {
	family  string
	address string
	ip      net.IP
}

// connectExtractor records outbound connect() attempts. log is
// optional: when set, a successful connect to a routable IP gets a
// one-line route annotation (component L) — purely informational, the
// connections row itself never carries it.
type connectExtractor struct {
	log *tlog.Logger
}

func (e connectExtractor) Enter(mem *tracemem.Reader, mode regs.Mode, params [6]regs.Value) (proctable.Pending, error) {
	family, payload, err := mem.ReadSockaddr(params[1].P, int(params[2].I))
	if err != nil {
		return connectPending{}, nil //nolint: a connect() whose address we can't read still completes; log nothing rather than failing the trace.
	}
	p := connectPending{family: familyName(family), address: addressHex(payload)}
	switch family {
	case 2: // AF_INET
		if len(payload) >= 6 {
			p.ip = net.IPv4(payload[2], payload[3], payload[4], payload[5])
		}
	case 10: // AF_INET6
		if len(payload) >= 20 {
			p.ip = net.IP(payload[4:20])
		}
	}
	return p, nil
}

func (e connectExtractor) Exit(store *eventlog.Store, process int64, pending proctable.Pending, ret regs.Value, _ *tracemem.Reader) error {
	// A nonblocking connect legitimately returns -EINPROGRESS; the
	// attempt still establishes provenance regardless of eventual
	// completion, so only a synchronous, definite failure suppresses it.
	if ret.I < 0 && ret.I != -int64(115 /* EINPROGRESS */) {
		return nil
	}
	p, _ := pending.(connectPending)
	family, addr := p.family, p.address
	proto := "tcp"
	if e.log != nil && p.ip != nil {
		if route, err := netenrich.Describe(p.ip); err == nil {
			e.log.Debugf(0, "syscalltable: connect to %s (%s) %s", p.ip, family, route)
		}
	}
	return store.AddConnection(process, false, &family, &proto, &addr)
}

// bindExtractor is a deliberate no-op: the connections table tracks
// outbound connect() and inbound accept(), not the bind() that merely
// names a listening socket before any peer exists.
type bindExtractor struct{}

func (bindExtractor) Enter(*tracemem.Reader, regs.Mode, [6]regs.Value) (proctable.Pending, error) {
	return nil, nil
}
func (bindExtractor) Exit(*eventlog.Store, int64, proctable.Pending, regs.Value, *tracemem.Reader) error {
	return nil
}

// socketExtractor is a deliberate no-op: socket(2) only allocates an
// fd, with no peer to record until connect() or accept() resolves one.
type socketExtractor struct{}

func (socketExtractor) Enter(*tracemem.Reader, regs.Mode, [6]regs.Value) (proctable.Pending, error) {
	return nil, nil
}
func (socketExtractor) Exit(*eventlog.Store, int64, proctable.Pending, regs.Value, *tracemem.Reader) error {
	return nil
}

// acceptPending carries accept/accept4's addr and addrlen pointers as
// captured at entry; the buffers those pointers reference aren't valid
// until the syscall returns, so the actual read happens in Exit.
type acceptPending struct {
	addr    uintptr
	addrlen uintptr
}

// acceptExtractor handles accept/accept4. The peer address argument is
// optional (callers may pass NULL), so unlike connect this extractor
// does its work at exit time, once a real client fd exists and — when
// the caller supplied a buffer — the kernel has filled it in.
type acceptExtractor struct{}

func (acceptExtractor) Enter(mem *tracemem.Reader, mode regs.Mode, params [6]regs.Value) (proctable.Pending, error) {
	return acceptPending{addr: params[1].P, addrlen: params[2].P}, nil
}

func (acceptExtractor) Exit(store *eventlog.Store, process int64, pending proctable.Pending, ret regs.Value, mem *tracemem.Reader) error {
	if ret.I < 0 {
		return nil
	}
	family := "unknown"
	var addrPtr *string

	p, _ := pending.(acceptPending)
	if p.addr != 0 && mem != nil {
		length := 0
		if p.addrlen != 0 {
			if raw, err := mem.ReadBytes(p.addrlen, 4); err == nil {
				length = int(uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24)
			}
		}
		if fam, payload, err := mem.ReadSockaddr(p.addr, length); err == nil {
			family = familyName(fam)
			addr := addressHex(payload)
			addrPtr = &addr
		}
	}
	return store.AddConnection(process, true, &family, nil, addrPtr)
}

func familyName(family uint16) string {
	switch family {
	case 2:
		return "AF_INET"
	case 10:
		return "AF_INET6"
	case 1:
		return "AF_UNIX"
	default:
		return fmt.Sprintf("family(%d)", family)
	}
}

func addressHex(payload []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		out[i*2] = hexdigits[b>>4]
		out[i*2+1] = hexdigits[b&0xf]
	}
	return string(out)
}
