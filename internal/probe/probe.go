// Package probe is the Go rendition of the two kprobe bodies in
// bpf/tcp_breakdown.bpf.c. It builds exactly the records the kernel programs
// build, from a snapshot of the socket and task the probe fired in, and hands
// them to a non-blocking publisher.
//
// Handlers work on a stack-allocated RawEvent, never block and never report
// errors to their caller: an unreadable family yields a record with no family
// tag and zero addresses, which consumers drop.
package probe

import (
	"math/bits"

	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/event"
)

// Publisher accepts finished records. Implementations must not block; when
// full they drop the record and account for the loss themselves.
type Publisher interface {
	Publish(cpu int, rec *event.RawEvent)
}

// Socket is the subset of struct sock / struct tcp_sock the probes read.
type Socket struct {
	Family        uint16 // skc_family, 0 when the read failed
	LocalAddr4    [4]byte
	RemoteAddr4   [4]byte
	LocalAddr6    [16]byte
	RemoteAddr6   [16]byte
	LocalPort     uint16 // skc_num, host order
	RemotePortNet uint16 // skc_dport, network order
	SmoothedRTT   uint32 // srtt_us, fixed point << 3
}

// Task identifies the thread the probe fired on.
type Task struct {
	PIDTGID uint64 // as bpf_get_current_pid_tgid
	Comm    [event.TaskCommLen]byte
}

// Trigger is the context a probe fires in.
type Trigger struct {
	CPU    int
	Task   Task
	Socket *Socket
}

// HandleReceiveCompletion mirrors kprobe/tcp_cleanup_rbuf. It ignores calls
// where nothing was copied to the reader.
func HandleReceiveCompletion(trigger Trigger, copied int32, publisher Publisher) {
	if copied <= 0 {
		return
	}

	var rec event.RawEvent
	rec.State = int32(event.DirectionReceive)
	rec.RxBytes = uint64(copied)
	rec.TxBytes = 0
	rec.LatencyUS = uint64(trigger.Socket.smoothedRTT() >> 3)
	rec.TimestampUS = 0 // Not populated by the kernel program either

	fill(&rec, trigger)
	publisher.Publish(trigger.CPU, &rec)
}

// HandleSend mirrors kprobe/tcp_sendmsg. Every call produces a record,
// whether or not the send will succeed.
func HandleSend(trigger Trigger, size uint64, publisher Publisher) {
	var rec event.RawEvent
	rec.State = int32(event.DirectionSend)
	rec.TxBytes = size
	rec.RxBytes = 0
	rec.LatencyUS = 0
	rec.TimestampUS = 0

	fill(&rec, trigger)
	publisher.Publish(trigger.CPU, &rec)
}

// fill performs the family dispatch shared by both probes.
// Source is always the local end and dest the remote end.
func fill(rec *event.RawEvent, trigger Trigger) {
	sock := trigger.Socket
	if sock == nil {
		sock = &Socket{}
	}

	switch event.Family(sock.Family) {
	case event.FamilyIPv4:
		rec.Family = uint32(event.FamilyIPv4)
		copy(rec.SrcAddr[:4], sock.LocalAddr4[:])
		copy(rec.DstAddr[:4], sock.RemoteAddr4[:])
	case event.FamilyIPv6:
		rec.Family = uint32(event.FamilyIPv6)
		rec.SrcAddr = sock.LocalAddr6
		rec.DstAddr = sock.RemoteAddr6
	}

	rec.Ports = event.PackPorts(sock.LocalPort, ntohs(sock.RemotePortNet))
	rec.PID = uint32(trigger.Task.PIDTGID >> 32)
	rec.Task = trigger.Task.Comm
}

func (s *Socket) smoothedRTT() uint32 {
	if s == nil {
		return 0
	}

	return s.SmoothedRTT
}

// ntohs matches bpf_ntohs: the field holds the port's network-order bytes
// as laid out in memory, which on a little-endian host reads as byte-swapped.
func ntohs(v uint16) uint16 {
	if event.HostByteOrder().Uint16([]byte{0x12, 0x34}) == 0x1234 {
		return v
	}

	return bits.ReverseBytes16(v)
}

// Htons is the inverse of the conversion applied to skc_dport, for building
// Socket values from host-order ports.
func Htons(v uint16) uint16 {
	return ntohs(v)
}
