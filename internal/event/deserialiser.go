package event

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// ErrUnknownFamily is returned for records whose family is neither IPv4 nor
// IPv6. The probes emit these when the socket family cannot be classified;
// they carry no usable addresses and must be dropped.
var ErrUnknownFamily = errors.New("unknown address family")

// Deserialiser is an interface which describes objects which convert a byte
// slice containing a TCP activity record into an event object.
type Deserialiser interface {
	ToEvent(data []byte) (*Event, error)
}

// CStructDeserialiser converts a byte slice containing the C struct written
// by the BPF probes into an Event.
type CStructDeserialiser struct {
	endianess binary.ByteOrder
}

func NewCStructDeserialiser(endianess binary.ByteOrder) *CStructDeserialiser {
	return &CStructDeserialiser{endianess}
}

// ToEvent creates an Event from the supplied byte slice containing the
// C-struct data. Ports are already host order and are not swapped here.
func (d *CStructDeserialiser) ToEvent(eventData []byte) (*Event, error) {
	rawEvent := new(RawEvent)
	if err := binary.Read(bytes.NewReader(eventData), d.endianess, rawEvent); err != nil {
		return nil, fmt.Errorf("decoding event data: %w", err)
	}

	return FromRaw(rawEvent)
}

// FromRaw converts an already-decoded record. Only the address arm selected
// by the family is read.
func FromRaw(rawEvent *RawEvent) (*Event, error) {
	family := Family(rawEvent.Family)

	var localAddr, remoteAddr netip.Addr
	switch family {
	case FamilyIPv4:
		localAddr = netip.AddrFrom4([4]byte(rawEvent.SrcAddr[:4]))
		remoteAddr = netip.AddrFrom4([4]byte(rawEvent.DstAddr[:4]))
	case FamilyIPv6:
		localAddr = netip.AddrFrom16(rawEvent.SrcAddr)
		remoteAddr = netip.AddrFrom16(rawEvent.DstAddr)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFamily, rawEvent.Family)
	}

	event := &Event{
		Family:      family,
		Direction:   Direction(rawEvent.State),
		PID:         rawEvent.PID,
		Task:        taskName(rawEvent.Task),
		LocalAddr:   localAddr,
		RemoteAddr:  remoteAddr,
		Ports:       rawEvent.Ports,
		TxBytes:     rawEvent.TxBytes,
		RxBytes:     rawEvent.RxBytes,
		LatencyUS:   rawEvent.LatencyUS,
		TimestampUS: rawEvent.TimestampUS,
	}

	return event, nil
}

// The kernel NUL-terminates comm when it is shorter than TASK_COMM_LEN, but
// a full-width name has no terminator.
func taskName(comm [TaskCommLen]byte) string {
	if i := bytes.IndexByte(comm[:], 0); i >= 0 {
		return string(comm[:i])
	}

	return string(comm[:])
}
