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

// Package netenrich is the connection enrichment layer (component L):
// given a destination IP a traced connect(2) resolved, it looks up the
// outbound route the kernel would actually use and annotates the log
// message with the local interface and gateway — purely a diagnostic
// aid for a human reading logs, never written into the connections
// table itself, whose schema this package leaves untouched.
package netenrich

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Describe returns a short human-readable description of the route to
// dst ("via eth0 through 10.0.0.1", or "via lo (directly connected)"
// when the route has no gateway), or an error if the route table can't be consulted (e.g.
// no CAP_NET_ADMIN, or dst isn't a routable unicast address).
func Describe(dst net.IP) (string, error) {
	if dst == nil {
		return "", fmt.Errorf("netenrich: nil destination")
	}
	routes, err := netlink.RouteGet(dst)
	if err != nil {
		return "", fmt.Errorf("netenrich: route lookup for %s: %w", dst, err)
	}
	if len(routes) == 0 {
		return "", fmt.Errorf("netenrich: no route to %s", dst)
	}
	r := routes[0]
	link, err := netlink.LinkByIndex(r.LinkIndex)
	ifaceName := fmt.Sprintf("if%d", r.LinkIndex)
	if err == nil && link != nil {
		ifaceName = link.Attrs().Name
	}
	if r.Gw == nil {
		return fmt.Sprintf("via %s (directly connected)", ifaceName), nil
	}
	return fmt.Sprintf("via %s through %s", ifaceName, r.Gw), nil
}
