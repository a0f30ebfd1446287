// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

package policy

import (
	"fmt"
	"net/netip"

	"go4.org/netipx"
	"golang.org/x/sys/unix"

	"github.com/DataDog/egress-sandbox/pkg/sandbox/sockaddr"
)

// Rule decides whether a decoded destination may be connected to
type Rule interface {
	Allows(ep sockaddr.Endpoint) bool
	String() string
}

var loopback4 = netip.MustParsePrefix("127.0.0.0/8")

// LoopbackOnly allows IPv4 127.0.0.0/8 and IPv6 ::1 only. IPv4-mapped IPv6
// addresses are not loopback for this rule.
type LoopbackOnly struct{}

// Allows implements Rule
func (LoopbackOnly) Allows(ep sockaddr.Endpoint) bool {
	switch ep.Family {
	case unix.AF_INET:
		return ep.Addr.Is4() && loopback4.Contains(ep.Addr)
	case unix.AF_INET6:
		return ep.Addr.Is6() && ep.Addr == netip.IPv6Loopback()
	}
	return false
}

func (LoopbackOnly) String() string {
	return "loopback-only"
}

// AllowList allows destinations contained in an IP set
type AllowList struct {
	set       *netipx.IPSet
	allowUnix bool
}

// NewAllowList returns a rule allowing the given set. allowUnix admits
// AF_UNIX destinations as well.
func NewAllowList(set *netipx.IPSet, allowUnix bool) *AllowList {
	if set == nil {
		set = &netipx.IPSet{}
	}
	return &AllowList{set: set, allowUnix: allowUnix}
}

// Allows implements Rule
func (a *AllowList) Allows(ep sockaddr.Endpoint) bool {
	switch ep.Family {
	case unix.AF_INET:
		return ep.Addr.Is4() && a.set.Contains(ep.Addr)
	case unix.AF_INET6:
		return ep.Addr.Is6() && a.set.Contains(ep.Addr)
	case unix.AF_UNIX:
		return a.allowUnix
	}
	return false
}

func (a *AllowList) String() string {
	return fmt.Sprintf("allow-list %v (unix sockets: %t)", a.set.Prefixes(), a.allowUnix)
}
