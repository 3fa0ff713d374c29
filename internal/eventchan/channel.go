// Package eventchan is an in-process stand-in for the kernel perf buffer:
// bounded, lossy, written by many producers and read by one consumer.
// Probes publish into it without blocking; a full channel drops whole records
// and reports how many, per CPU, in the sample stream.
package eventchan

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/event"
)

// Channel implements probe.Publisher.
type Channel struct {
	samples chan event.Sample
	order   binary.ByteOrder

	pending []atomic.Uint64 // Drops not yet reported, per CPU
	total   []atomic.Uint64 // Drops ever, per CPU
	closed  atomic.Bool
}

// New creates a channel holding at most capacity samples for cpus producers.
func New(capacity, cpus int) *Channel {
	return &Channel{
		samples: make(chan event.Sample, capacity),
		order:   event.HostByteOrder(),
		pending: make([]atomic.Uint64, cpus),
		total:   make([]atomic.Uint64, cpus),
	}
}

// Publish serialises rec and enqueues it. It never blocks. Outstanding drops
// for cpu are reported ahead of the record so the consumer sees them in
// order; if either does not fit, the record is counted as lost.
func (c *Channel) Publish(cpu int, rec *event.RawEvent) {
	if c.closed.Load() || cpu < 0 || cpu >= len(c.pending) {
		return
	}

	if lost := c.pending[cpu].Swap(0); lost > 0 {
		select {
		case c.samples <- event.Sample{CPU: cpu, Lost: lost}:
		default:
			c.pending[cpu].Add(lost)
			c.drop(cpu)
			return
		}
	}

	var buf [event.RawEventSize]byte
	rec.MarshalBinaryTo(&buf, c.order)

	select {
	case c.samples <- event.Sample{CPU: cpu, Raw: buf[:]}:
	default:
		c.drop(cpu)
	}
}

// Flush reports outstanding drops without a following record, as the kernel
// does when the reader catches up. It returns false if the channel is full.
func (c *Channel) Flush(cpu int) bool {
	if cpu < 0 || cpu >= len(c.pending) {
		return true
	}

	lost := c.pending[cpu].Swap(0)
	if lost == 0 {
		return true
	}

	select {
	case c.samples <- event.Sample{CPU: cpu, Lost: lost}:
		return true
	default:
		c.pending[cpu].Add(lost)
		return false
	}
}

func (c *Channel) drop(cpu int) {
	c.pending[cpu].Add(1)
	c.total[cpu].Add(1)
}

// Samples returns the consumer side of the channel.
func (c *Channel) Samples() <-chan event.Sample {
	return c.samples
}

// LostTotal is the monotonic number of records dropped for cpu.
func (c *Channel) LostTotal(cpu int) uint64 {
	return c.total[cpu].Load()
}

// Close stops accepting records. The sample channel stays open so that a
// producer racing with Close cannot panic; readers stop on their own signal.
func (c *Channel) Close() {
	c.closed.Store(true)
}
