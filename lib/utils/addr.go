/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package utils contains small helpers shared by the domain controller
// packages: address classification, subnet allow lists, and atomic file
// writes.
package utils

import (
	"net"
	"net/netip"
	"strings"

	"github.com/gravitational/trace"
)

// privateRanges are the RFC-1918 blocks plus loopback. A node reconnecting
// from a different interface inside the same site network is matched
// against these.
var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
}

// IsPrivateAddress reports whether addr falls in an RFC-1918 range or
// loopback.
func IsPrivateAddress(addr netip.Addr) bool {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsLoopback reports whether addr is a loopback address.
func IsLoopback(addr netip.Addr) bool {
	return addr.Unmap().IsLoopback()
}

// Subnets is an allow list of CIDR blocks.
type Subnets []netip.Prefix

// ParseSubnets parses a list of CIDR strings. A bare address is treated as
// a /32 (or /128 for IPv6).
func ParseSubnets(entries []string) (Subnets, error) {
	out := make(Subnets, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, trace.BadParameter("invalid subnet entry %q: %v", entry, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return nil, trace.BadParameter("invalid subnet entry %q: %v", entry, err)
		}
		out = append(out, prefix)
	}
	return out, nil
}

// Contains reports whether addr is covered by any subnet in the list.
func (s Subnets) Contains(addr netip.Addr) bool {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	for _, p := range s {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// AddrPortFromUDP converts a net.UDPAddr into a netip.AddrPort.
func AddrPortFromUDP(addr *net.UDPAddr) (netip.AddrPort, error) {
	if addr == nil {
		return netip.AddrPort{}, trace.BadParameter("missing UDP address")
	}
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.AddrPort{}, trace.BadParameter("invalid IP %v", addr.IP)
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)), nil
}
