// Package bpf loads the tcp_breakdown kprobes into the kernel and delivers
// what they write to the perf buffer as a stream of samples.
package bpf

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/event"
)

// Must match that used in the BPF C
const (
	moduleName  = "tcp-breakdown"
	perfBufName = "events"
)

type kprobe struct {
	program string
	symbol  string
}

// Must match the program names in the BPF C
var kprobes = []kprobe{
	{program: "kprobe__tcp_cleanup_rbuf", symbol: "tcp_cleanup_rbuf"},
	{program: "kprobe__tcp_sendmsg", symbol: "tcp_sendmsg"},
}

// Loader names accepted by New.
const (
	LoaderLibBPFGo = "libbpfgo"
	LoaderCilium   = "cilium"
)

var ErrUnknownLoader = errors.New("unknown BPF loader")

// Runner is an interface which describes objects which load the probes into
// the kernel, attach them and deliver what they write as samples. Records and
// loss notifications share the one stream. After Close, no more samples are
// delivered and the stream is closed.
type Runner interface {
	Run() error
	Samples() <-chan event.Sample
	Close() error
}

// Options size the buffers between the kernel and the consumer.
type Options struct {
	ObjectPath       string
	EventChannelSize int
	LostChannelSize  int
	PerfBufferPages  int
}

// New returns an unstarted runner using the named loader.
func New(loader string, opts Options, logger *zap.Logger) (Runner, error) {
	switch loader {
	case LoaderLibBPFGo:
		moduleCreator := newLibBPFGoBPFModuleCreator(newFileBPFObjectLoader(opts.ObjectPath))
		return newLibBPFGoBPFRunner(opts.EventChannelSize,
			opts.LostChannelSize,
			opts.PerfBufferPages,
			moduleCreator,
			logger), nil
	case LoaderCilium:
		return newCiliumBPFRunner(opts.ObjectPath,
			opts.EventChannelSize,
			opts.PerfBufferPages,
			logger), nil
	default:
		return nil, fmt.Errorf("%q: %w", loader, ErrUnknownLoader)
	}
}
