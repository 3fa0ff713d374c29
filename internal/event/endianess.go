package event

import (
	"encoding/binary"
	"unsafe"
)

// HostByteOrder returns the native byte order, which is the order the
// kernel writes records in.
func HostByteOrder() binary.ByteOrder {
	probe := uint16(0xBEEF)
	if *(*byte)(unsafe.Pointer(&probe)) == 0xBE {
		return binary.BigEndian
	}

	return binary.LittleEndian
}
