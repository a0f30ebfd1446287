// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package native exposes the byte order of the host
package native

import (
	"encoding/binary"
	"unsafe"
)

// Endian is the byte order of the host, used to decode kernel structures
// and words read from traced processes.
var Endian binary.ByteOrder = hostEndian()

func hostEndian() binary.ByteOrder {
	var x uint16 = 0x0102
	if *(*byte)(unsafe.Pointer(&x)) == 0x01 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
