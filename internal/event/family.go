package event

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Family is the address family tag carried by every record.
type Family uint32

// Kernel address families (linux/socket.h). Must match the BPF C.
const (
	FamilyIPv4 Family = unix.AF_INET
	FamilyIPv6 Family = unix.AF_INET6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint32(f))
	}
}

// Direction tells which probe produced a record.
type Direction int32

// Must match the state codes written by the BPF C
const (
	DirectionReceive Direction = -1
	DirectionSend    Direction = -2
)

func (d Direction) String() string {
	switch d {
	case DirectionReceive:
		return "receive"
	case DirectionSend:
		return "send"
	default:
		return "unclassified"
	}
}

// Known reports whether d is one of the codes emitted by the probes.
// Unknown codes are still valid events, just not yet classified.
func (d Direction) Known() bool {
	return d == DirectionReceive || d == DirectionSend
}
