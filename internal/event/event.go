package event

import (
	"fmt"
	"net/netip"
)

// Event is a decoded TCP activity record.
//
// LocalAddr is filled from the socket's bound address and RemoteAddr from its
// peer, whatever the direction of the data. This matches the LADDR/RADDR
// columns of the CSV output.
type Event struct {
	Family      Family
	Direction   Direction
	PID         uint32
	Task        string
	LocalAddr   netip.Addr
	RemoteAddr  netip.Addr
	Ports       uint64
	TxBytes     uint64
	RxBytes     uint64
	LatencyUS   uint64
	TimestampUS uint64 // Never set by the current probes
}

// LocalPort returns the local port unpacked from Ports.
func (e *Event) LocalPort() uint16 {
	local, _ := UnpackPorts(e.Ports)
	return local
}

// RemotePort returns the remote port unpacked from Ports.
func (e *Event) RemotePort() uint16 {
	_, remote := UnpackPorts(e.Ports)
	return remote
}

// LatencyMS is the smoothed RTT in whole milliseconds, truncated.
func (e *Event) LatencyMS() uint64 {
	return e.LatencyUS / 1000
}

func (e *Event) String() string {
	return fmt.Sprintf("%s pid=%d comm=%q %s:%d -> %s:%d tx=%d rx=%d rtt=%dus",
		e.Direction,
		e.PID,
		e.Task,
		e.LocalAddr,
		e.LocalPort(),
		e.RemoteAddr,
		e.RemotePort(),
		e.TxBytes,
		e.RxBytes,
		e.LatencyUS)
}

// Sample is one item read from an event channel: either a raw record or, when
// Lost is non-zero, a notification that records were dropped on CPU.
// CPU is -1 when the transport does not report where the drop happened.
type Sample struct {
	CPU  int
	Raw  []byte
	Lost uint64
}

// IsLoss reports whether the sample is a loss notification.
func (s Sample) IsLoss() bool {
	return s.Lost > 0
}

// Source names the origin of a loss, for logs and the CSV marker row.
func (s Sample) Source() string {
	if s.CPU < 0 {
		return "unknown"
	}

	return fmt.Sprintf("cpu%d", s.CPU)
}
