// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

// Package profile holds the egress profile loaded from YAML
package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"go4.org/netipx"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/DataDog/egress-sandbox/pkg/sandbox/policy"
)

// DefaultDenyErrno is reported to the traced process for denied connections
const DefaultDenyErrno = unix.ECONNREFUSED

var defaultAllowedIPs = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
}

var denyErrnos = map[string]unix.Errno{
	"ECONNREFUSED": unix.ECONNREFUSED,
	"EACCES":       unix.EACCES,
	"EPERM":        unix.EPERM,
	"ENETUNREACH":  unix.ENETUNREACH,
	"EHOSTUNREACH": unix.EHOSTUNREACH,
	"ETIMEDOUT":    unix.ETIMEDOUT,
}

// Profile describes which destinations a traced program may connect to.
// Without allowed_ips, loopback stays the only allowed network destination.
type Profile struct {
	// AllowedIPs holds addresses, CIDR prefixes or `first-last` ranges
	AllowedIPs       []string `yaml:"allowed_ips"`
	AllowUnixSockets bool     `yaml:"allow_unix_sockets"`
	DenyErrno        string   `yaml:"deny_errno"`
}

// LoadFromPath reads a profile file. An empty path returns the default
// profile.
func LoadFromPath(path string) (*Profile, error) {
	if path == "" {
		return &Profile{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read profile: %w", err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid profile `%s`: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a YAML profile
func Parse(data []byte) (*Profile, error) {
	var p Profile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate reports every invalid entry of the profile
func (p *Profile) Validate() error {
	var result *multierror.Error

	if _, err := p.ipSet(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := p.Errno(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// Rule returns the policy rule described by the profile
func (p *Profile) Rule() (policy.Rule, error) {
	if p == nil || (len(p.AllowedIPs) == 0 && !p.AllowUnixSockets) {
		return policy.LoopbackOnly{}, nil
	}

	set, err := p.ipSet()
	if err != nil {
		return nil, err
	}
	return policy.NewAllowList(set, p.AllowUnixSockets), nil
}

// Errno returns the errno reported to the traced process on denial
func (p *Profile) Errno() (unix.Errno, error) {
	if p == nil || p.DenyErrno == "" {
		return DefaultDenyErrno, nil
	}

	errno, ok := denyErrnos[strings.ToUpper(strings.TrimSpace(p.DenyErrno))]
	if !ok {
		names := make([]string, 0, len(denyErrnos))
		for name := range denyErrnos {
			names = append(names, name)
		}
		sort.Strings(names)
		return 0, fmt.Errorf("unsupported deny_errno `%s`, expected one of %s", p.DenyErrno, strings.Join(names, ", "))
	}
	return errno, nil
}

func (p *Profile) ipSet() (*netipx.IPSet, error) {
	var (
		builder netipx.IPSetBuilder
		result  *multierror.Error
	)

	for _, entry := range p.AllowedIPs {
		entry = strings.TrimSpace(entry)

		switch {
		case strings.Contains(entry, "-"):
			r, err := netipx.ParseIPRange(entry)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("allowed_ips: %w", err))
				continue
			}
			builder.AddRange(r)
		case strings.Contains(entry, "/"):
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("allowed_ips: %w", err))
				continue
			}
			builder.AddPrefix(prefix.Masked())
		default:
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("allowed_ips: %w", err))
				continue
			}
			builder.Add(addr)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	if len(p.AllowedIPs) == 0 {
		for _, prefix := range defaultAllowedIPs {
			builder.AddPrefix(prefix)
		}
	}
	return builder.IPSet()
}
