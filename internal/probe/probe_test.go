package probe

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/event"
)

type mockPublisher struct {
	records []event.RawEvent
	cpus    []int
}

func (mp *mockPublisher) Publish(cpu int, rec *event.RawEvent) {
	mp.records = append(mp.records, *rec)
	mp.cpus = append(mp.cpus, cpu)
}

func ipv4Trigger() Trigger {
	trigger := Trigger{
		CPU: 3,
		Task: Task{
			PIDTGID: uint64(4242)<<32 | 4250,
		},
		Socket: &Socket{
			Family:        uint16(event.FamilyIPv4),
			LocalAddr4:    [4]byte{10, 0, 0, 1},
			RemoteAddr4:   [4]byte{93, 184, 216, 34},
			LocalPort:     8080,
			RemotePortNet: Htons(443),
			SmoothedRTT:   800,
		},
	}
	copy(trigger.Task.Comm[:], "curl")

	return trigger
}

func TestReceiveCompletionIPv4(t *testing.T) {
	publisher := new(mockPublisher)

	HandleReceiveCompletion(ipv4Trigger(), 2048, publisher)

	require.Len(t, publisher.records, 1)
	rec := publisher.records[0]

	assert.Equal(t, 3, publisher.cpus[0])
	assert.Equal(t, int32(event.DirectionReceive), rec.State)
	assert.Equal(t, uint32(event.FamilyIPv4), rec.Family)
	assert.Equal(t, uint64(2048), rec.RxBytes)
	assert.Zero(t, rec.TxBytes)
	assert.Equal(t, uint64(100), rec.LatencyUS, "srtt_us must be shifted right by 3")
	assert.Zero(t, rec.TimestampUS)
	assert.Equal(t, uint32(4242), rec.PID, "pid is the upper half of pid_tgid")
	assert.Equal(t, [4]byte{10, 0, 0, 1}, [4]byte(rec.SrcAddr[:4]))
	assert.Equal(t, [4]byte{93, 184, 216, 34}, [4]byte(rec.DstAddr[:4]))
	assert.Equal(t, [12]byte{}, [12]byte(rec.SrcAddr[4:]), "inactive part of the address must stay zero")

	local, remote := event.UnpackPorts(rec.Ports)
	assert.Equal(t, uint16(8080), local)
	assert.Equal(t, uint16(443), remote)
}

func TestReceiveCompletionNothingCopied(t *testing.T) {
	for _, copied := range []int32{0, -1, -11, -2147483648} {
		publisher := new(mockPublisher)

		HandleReceiveCompletion(ipv4Trigger(), copied, publisher)

		assert.Empty(t, publisher.records, "copied=%d must not emit", copied)
	}
}

func TestSendAlwaysEmitsOneRecord(t *testing.T) {
	for _, size := range []uint64{0, 1, 1500, 1 << 40} {
		publisher := new(mockPublisher)

		HandleSend(ipv4Trigger(), size, publisher)

		require.Len(t, publisher.records, 1, "size=%d", size)
		rec := publisher.records[0]
		assert.Equal(t, int32(event.DirectionSend), rec.State)
		assert.Equal(t, size, rec.TxBytes)
		assert.Zero(t, rec.RxBytes)
		assert.Zero(t, rec.LatencyUS, "send records carry no RTT")
		assert.Zero(t, rec.TimestampUS)
	}
}

func TestHandlersIPv6(t *testing.T) {
	local := netip.MustParseAddr("2001:db8::10")
	remote := netip.MustParseAddr("2001:db8::20")
	trigger := Trigger{
		Socket: &Socket{
			Family:        uint16(event.FamilyIPv6),
			LocalAddr6:    local.As16(),
			RemoteAddr6:   remote.As16(),
			LocalPort:     443,
			RemotePortNet: Htons(61000),
		},
	}
	publisher := new(mockPublisher)

	HandleSend(trigger, 99, publisher)

	require.Len(t, publisher.records, 1)
	ev, err := event.FromRaw(&publisher.records[0])
	require.NoError(t, err)
	assert.Equal(t, local, ev.LocalAddr)
	assert.Equal(t, remote, ev.RemoteAddr)
	assert.Equal(t, uint16(443), ev.LocalPort())
	assert.Equal(t, uint16(61000), ev.RemotePort())
}

func TestHandlersUnknownFamily(t *testing.T) {
	trigger := ipv4Trigger()
	trigger.Socket.Family = 1 // AF_UNIX, never seen in practice but must not be classified
	publisher := new(mockPublisher)

	HandleSend(trigger, 512, publisher)

	require.Len(t, publisher.records, 1)
	rec := publisher.records[0]
	assert.Zero(t, rec.Family)
	assert.Equal(t, [16]byte{}, rec.SrcAddr)
	assert.Equal(t, [16]byte{}, rec.DstAddr)
	assert.Equal(t, uint64(512), rec.TxBytes)
	assert.Equal(t, uint32(4242), rec.PID)
	assert.Equal(t, event.PackPorts(8080, 443), rec.Ports)

	_, err := event.FromRaw(&rec)
	assert.ErrorIs(t, err, event.ErrUnknownFamily)
}

func TestHandlersMissingSocket(t *testing.T) {
	publisher := new(mockPublisher)

	HandleReceiveCompletion(Trigger{}, 10, publisher)

	require.Len(t, publisher.records, 1)
	assert.Zero(t, publisher.records[0].Family)
	assert.Zero(t, publisher.records[0].LatencyUS)
}
