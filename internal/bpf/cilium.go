package bpf

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/event"
)

var (
	errProgramNotFound = errors.New("program not found in BPF object")
	errMapNotFound     = errors.New("map not found in BPF object")
)

// CiliumBPFRunner is a Runner built on cilium/ebpf. Unlike libbpfgo, its
// perf reader reports the CPU of every record and loss notification, and
// delivers both in the order it reads them.
type ciliumBPFRunner struct {
	objectPath       string
	perfBufSizePages int
	logger           *zap.Logger

	coll    *ebpf.Collection
	links   []link.Link
	reader  *perf.Reader
	samples chan event.Sample
	started bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newCiliumBPFRunner(objectPath string,
	eventChannelSize int,
	perfBufSizePages int,
	logger *zap.Logger) *ciliumBPFRunner {
	return &ciliumBPFRunner{
		objectPath:       objectPath,
		perfBufSizePages: perfBufSizePages,
		logger:           logger,

		samples: make(chan event.Sample, eventChannelSize),
		done:    make(chan struct{}),
	}
}

// Run parses the object, loads it, attaches both kprobes and starts reading
// the perf buffer. On failure everything already loaded is released.
func (r *ciliumBPFRunner) Run() error {
	spec, err := ebpf.LoadCollectionSpec(r.objectPath)
	if err != nil {
		return fmt.Errorf("loading BPF object: %w", err)
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("removing memlock rlimit: %w", err)
	}

	if err := r.load(spec); err != nil {
		r.release()
		return err
	}

	r.started = true
	r.wg.Add(1)
	go r.read()

	r.logger.Info("BPF programs attached",
		zap.String("loader", LoaderCilium),
		zap.Int("perfBufferPages", r.perfBufSizePages))

	return nil
}

func (r *ciliumBPFRunner) load(spec *ebpf.CollectionSpec) error {
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("loading BPF object into kernel: %w", err)
	}
	r.coll = coll

	for _, kp := range kprobes {
		program, ok := coll.Programs[kp.program]
		if !ok {
			return fmt.Errorf("loading BPF program %s: %w", kp.program, errProgramNotFound)
		}

		l, err := link.Kprobe(kp.symbol, program, nil)
		if err != nil {
			return fmt.Errorf("attaching to kprobe %s: %w", kp.symbol, err)
		}
		r.links = append(r.links, l)
	}

	events, ok := coll.Maps[perfBufName]
	if !ok {
		return fmt.Errorf("initialising perf buffer %s: %w", perfBufName, errMapNotFound)
	}

	reader, err := perf.NewReader(events, r.perfBufSizePages*os.Getpagesize())
	if err != nil {
		return fmt.Errorf("initialising perf buffer: %w", err)
	}
	r.reader = reader

	return nil
}

func (r *ciliumBPFRunner) read() {
	defer r.wg.Done()
	defer close(r.samples)

	for {
		record, err := r.reader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return
			}

			r.logger.Warn("Error reading perf buffer", zap.Error(err))
			continue
		}

		sample := event.Sample{CPU: record.CPU, Lost: record.LostSamples}
		if record.LostSamples == 0 {
			sample.Raw = record.RawSample
		}

		select {
		case r.samples <- sample:
		case <-r.done:
			return
		}
	}
}

func (r *ciliumBPFRunner) Samples() <-chan event.Sample {
	return r.samples
}

// Close stops reading, detaches the kprobes and unloads the object.
func (r *ciliumBPFRunner) Close() error {
	r.closeOnce.Do(func() {
		r.logger.Info("Closing BPF collection")
		close(r.done)

		if r.reader != nil {
			if err := r.reader.Close(); err != nil {
				r.logger.Warn("Error closing perf reader", zap.Error(err))
			}
		}
		r.wg.Wait()
		r.reader = nil

		r.release()

		if !r.started {
			close(r.samples)
		}
	})

	return nil
}

func (r *ciliumBPFRunner) release() {
	if r.reader != nil {
		r.reader.Close()
		r.reader = nil
	}

	for _, l := range r.links {
		if err := l.Close(); err != nil {
			r.logger.Warn("Error detaching kprobe", zap.Error(err))
		}
	}
	r.links = nil

	if r.coll != nil {
		r.coll.Close()
		r.coll = nil
	}
}
