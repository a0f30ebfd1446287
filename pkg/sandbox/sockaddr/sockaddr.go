// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

// Package sockaddr decodes socket address structures copied out of a traced
// process
package sockaddr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/DataDog/egress-sandbox/pkg/util/native"
)

const familySize = 2

var (
	// ErrLengthMismatch is returned when the length declared by the caller
	// does not match the structure size of the decoded family
	ErrLengthMismatch = errors.New("declared length does not match the address family")
	// ErrShortRead is returned when fewer bytes than requested were copied
	ErrShortRead = errors.New("short read")
	// ErrFamilyChanged is returned when the family changed between two reads
	ErrFamilyChanged = errors.New("address family changed while decoding")
)

// Reader reads memory of a traced process
type Reader interface {
	ReadMemory(addr uint64, size int) ([]byte, error)
}

// DecodeError wraps any failure to materialize a socket address
type DecodeError struct {
	Addr uint64
	Len  uint64
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("unable to decode sockaddr at 0x%x (len %d): %v", e.Addr, e.Len, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Endpoint is a decoded socket address. Addr and Port are only set for
// AF_INET and AF_INET6.
type Endpoint struct {
	Family uint16
	Addr   netip.Addr
	Port   uint16
}

// IsInet returns whether the endpoint is an IPv4 or IPv6 address
func (e Endpoint) IsInet() bool {
	return e.Family == unix.AF_INET || e.Family == unix.AF_INET6
}

func (e Endpoint) String() string {
	if !e.IsInet() {
		return FamilyName(e.Family)
	}
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// FamilyName returns a printable name for an address family
func FamilyName(family uint16) string {
	switch family {
	case unix.AF_UNSPEC:
		return "AF_UNSPEC"
	case unix.AF_UNIX:
		return "AF_UNIX"
	case unix.AF_INET:
		return "AF_INET"
	case unix.AF_INET6:
		return "AF_INET6"
	case unix.AF_NETLINK:
		return "AF_NETLINK"
	case unix.AF_PACKET:
		return "AF_PACKET"
	}
	return "AF_" + strconv.Itoa(int(family))
}

// StructSize returns the size of the address structure of a family, 0 when
// the family is not decoded
func StructSize(family uint16) int {
	switch family {
	case unix.AF_INET:
		return unix.SizeofSockaddrInet4
	case unix.AF_INET6:
		return unix.SizeofSockaddrInet6
	}
	return 0
}

// Read decodes the socket address starting exactly at addr. declaredLen is
// the length the traced process passed along with the pointer.
func Read(r Reader, addr uint64, declaredLen uint64) (Endpoint, error) {
	fail := func(err error) (Endpoint, error) {
		return Endpoint{}, &DecodeError{Addr: addr, Len: declaredLen, Err: err}
	}

	if declaredLen < familySize {
		return fail(ErrLengthMismatch)
	}

	header, err := readExact(r, addr, familySize)
	if err != nil {
		return fail(err)
	}
	family := native.Endian.Uint16(header)

	size := StructSize(family)
	if size == 0 {
		return Endpoint{Family: family}, nil
	}
	if declaredLen != uint64(size) {
		return fail(ErrLengthMismatch)
	}

	// second snapshot from the same base, the tracee owns this memory
	data, err := readExact(r, addr, size)
	if err != nil {
		return fail(err)
	}

	ep, err := Decode(data)
	if err != nil {
		return fail(err)
	}
	if ep.Family != family {
		return fail(ErrFamilyChanged)
	}
	return ep, nil
}

// Decode decodes a raw sockaddr_in or sockaddr_in6. The buffer length must
// be the exact structure size of the family it carries.
func Decode(data []byte) (Endpoint, error) {
	if len(data) < familySize {
		return Endpoint{}, ErrShortRead
	}

	family := native.Endian.Uint16(data)
	if size := StructSize(family); size != 0 && size != len(data) {
		return Endpoint{}, ErrLengthMismatch
	}

	switch family {
	case unix.AF_INET:
		var ip [4]byte
		copy(ip[:], data[4:8])
		return Endpoint{
			Family: family,
			Addr:   netip.AddrFrom4(ip),
			Port:   binary.BigEndian.Uint16(data[2:4]),
		}, nil
	case unix.AF_INET6:
		var ip [16]byte
		copy(ip[:], data[8:24])
		return Endpoint{
			Family: family,
			Addr:   netip.AddrFrom16(ip),
			Port:   binary.BigEndian.Uint16(data[2:4]),
		}, nil
	}
	return Endpoint{Family: family}, nil
}

func readExact(r Reader, addr uint64, size int) ([]byte, error) {
	data, err := r.ReadMemory(addr, size)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, ErrShortRead
	}
	return data, nil
}
