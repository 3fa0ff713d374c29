package event

import "encoding/binary"

const (
	TaskCommLen  = 16 // Defined in kernel (linux/sched.h)
	RawEventSize = 104
)

// RawEvent is the event received from the kernel via a BPF perf buffer.
// The struct layout must match that of struct event in bpf/tcp_breakdown.h.
//
// SrcAddr and DstAddr are C unions: an IPv4 address occupies the first four
// bytes, an IPv6 address all sixteen. Family says which one is live.
type RawEvent struct {
	SrcAddr     [16]byte
	DstAddr     [16]byte
	Task        [TaskCommLen]byte
	TimestampUS uint64
	Family      uint32
	PID         uint32
	Ports       uint64
	RxBytes     uint64
	TxBytes     uint64
	LatencyUS   uint64
	State       int32
	_           [4]byte // Alignment padding
}

// MarshalBinaryTo writes the record into buf using the C layout.
// It does not allocate.
func (r *RawEvent) MarshalBinaryTo(buf *[RawEventSize]byte, order binary.ByteOrder) {
	copy(buf[0:16], r.SrcAddr[:])
	copy(buf[16:32], r.DstAddr[:])
	copy(buf[32:48], r.Task[:])
	order.PutUint64(buf[48:56], r.TimestampUS)
	order.PutUint32(buf[56:60], r.Family)
	order.PutUint32(buf[60:64], r.PID)
	order.PutUint64(buf[64:72], r.Ports)
	order.PutUint64(buf[72:80], r.RxBytes)
	order.PutUint64(buf[80:88], r.TxBytes)
	order.PutUint64(buf[88:96], r.LatencyUS)
	order.PutUint32(buf[96:100], uint32(r.State))
	clear(buf[100:])
}
