package bpf

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/event"
)

// LibBPFGoBPFRunner is a Runner which loads the probes into the kernel using
// the libbpfgo library. libbpfgo reports records and lost counts on separate
// channels without a CPU; both are forwarded onto one stream with CPU -1.
type libBPFGoBPFRunner struct {
	eventChannelSize int
	lostChannelSize  int
	perfBufSizePages int
	bpfModuleCreator bpfModuleCreator
	logger           *zap.Logger

	module     bpfModule
	perfBuf    bpfPerfBuffer
	eventsChan chan []byte
	lostChan   chan uint64
	samples    chan event.Sample
	started    bool

	done      chan struct{} // Closed to stop forwarding
	stopped   chan struct{} // Closed once the perf buffer has stopped
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newLibBPFGoBPFRunner(eventChannelSize int,
	lostChannelSize int,
	perfBufSizePages int,
	bpfModuleCreator bpfModuleCreator,
	logger *zap.Logger) *libBPFGoBPFRunner {
	return &libBPFGoBPFRunner{
		eventChannelSize: eventChannelSize,
		lostChannelSize:  lostChannelSize,
		perfBufSizePages: perfBufSizePages,
		bpfModuleCreator: bpfModuleCreator,
		logger:           logger,

		samples: make(chan event.Sample, eventChannelSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run loads the BPF object into the kernel, attaches both programs to their
// kprobes and starts polling the perf buffer. On failure everything already
// loaded is released.
func (r *libBPFGoBPFRunner) Run() error {
	module, err := r.bpfModuleCreator.createModule(moduleName)
	if err != nil {
		return fmt.Errorf("creating BPF module: %w", err)
	}

	if err := r.load(module); err != nil {
		module.close()
		return err
	}
	r.module = module

	r.started = true
	r.wg.Add(1)
	go r.forward(r.eventsChan, r.lostChan)
	r.perfBuf.Start()

	r.logger.Info("BPF programs attached",
		zap.String("loader", LoaderLibBPFGo),
		zap.Int("perfBufferPages", r.perfBufSizePages))

	return nil
}

func (r *libBPFGoBPFRunner) load(module bpfModule) error {
	if err := module.loadObject(); err != nil {
		return fmt.Errorf("loading BPF object into kernel: %w", err)
	}

	for _, kp := range kprobes {
		program, err := module.getProgram(kp.program)
		if err != nil {
			return fmt.Errorf("loading BPF program %s: %w", kp.program, err)
		}

		if err := program.attachKprobe(kp.symbol); err != nil {
			return fmt.Errorf("attaching to kprobe %s: %w", kp.symbol, err)
		}
	}

	eventsChan := make(chan []byte, r.eventChannelSize)
	lostChan := make(chan uint64, r.lostChannelSize)

	buf, err := module.initPerfBuf(perfBufName, eventsChan, lostChan, r.perfBufSizePages)
	if err != nil {
		return fmt.Errorf("initialising perf buffer: %w", err)
	}
	r.perfBuf = buf
	r.eventsChan = eventsChan
	r.lostChan = lostChan

	return nil
}

// Forward merges the two libbpfgo channels onto the sample stream until the
// perf buffer has stopped. Once closing, it keeps draining but discards, so
// the perf buffer's poller never blocks on a full channel.
func (r *libBPFGoBPFRunner) forward(events <-chan []byte, lost <-chan uint64) {
	defer r.wg.Done()
	defer close(r.samples)

	for events != nil || lost != nil {
		select {
		case raw, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.send(event.Sample{CPU: -1, Raw: raw})
		case count, ok := <-lost:
			if !ok {
				lost = nil
				continue
			}
			r.send(event.Sample{CPU: -1, Lost: count})
		case <-r.stopped:
			return
		}
	}
}

func (r *libBPFGoBPFRunner) send(sample event.Sample) {
	select {
	case r.samples <- sample:
	case <-r.done:
	}
}

func (r *libBPFGoBPFRunner) Samples() <-chan event.Sample {
	return r.samples
}

// Close unloads the BPF programs loaded into the kernel by this runner.
// After this, no more samples will be delivered.
func (r *libBPFGoBPFRunner) Close() error {
	r.closeOnce.Do(func() {
		r.logger.Info("Closing BPF module")
		close(r.done)

		if r.perfBuf != nil {
			r.perfBuf.Stop()
		}
		close(r.stopped)
		r.wg.Wait()

		if r.module != nil {
			r.module.close()
		}

		if !r.started {
			close(r.samples)
		}
	})

	return nil
}
