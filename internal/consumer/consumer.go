// Package consumer drains an event channel, decodes each record and renders
// it to an output sink.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/event"
	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/metrics"
	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/output"
)

var ErrSourceClosed = errors.New("event source closed")

// Source is anything that delivers samples: a BPF runner or an in-process
// event channel.
type Source interface {
	Samples() <-chan event.Sample
}

// Recorder receives counts of what happened to each sample.
type Recorder interface {
	ObserveEvent(e *event.Event)
	ObserveDiscard(reason string)
	ObserveLoss(loss event.Sample)
}

// Observer is notified of every rendered event.
type Observer interface {
	ObserveEvent(e *event.Event)
}

type Consumer struct {
	source              Source
	deserialiser        event.Deserialiser
	sink                output.Sink
	droppedEventHandler droppedEventHandler
	recorder            Recorder
	observers           []Observer
	pollInterval        time.Duration
	logger              *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// New creates a consumer which renders to sink and marks losses in it.
// recorder may be nil.
func New(source Source,
	deserialiser event.Deserialiser,
	sink output.Sink,
	recorder Recorder,
	pollInterval time.Duration,
	logger *zap.Logger,
	observers ...Observer) *Consumer {
	return newConsumer(source,
		deserialiser,
		sink,
		newSinkDroppedEventHandler(sink, logger),
		recorder,
		pollInterval,
		logger,
		observers...)
}

func newConsumer(source Source,
	deserialiser event.Deserialiser,
	sink output.Sink,
	droppedEventHandler droppedEventHandler,
	recorder Recorder,
	pollInterval time.Duration,
	logger *zap.Logger,
	observers ...Observer) *Consumer {
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Consumer{
		source:              source,
		deserialiser:        deserialiser,
		sink:                sink,
		droppedEventHandler: droppedEventHandler,
		recorder:            recorder,
		observers:           observers,
		pollInterval:        pollInterval,
		logger:              logger,
	}
}

// Run polls the source until ctx is cancelled, then flushes and closes the
// sink. Cancellation is checked between poll cycles, so it takes effect
// within one poll interval and never interrupts a cycle.
func (c *Consumer) Run(ctx context.Context) error {
	var runErr error
	for ctx.Err() == nil {
		if err := c.poll(); err != nil {
			runErr = err
			break
		}
	}

	if err := c.Close(); err != nil && runErr == nil {
		runErr = err
	}

	return runErr
}

// poll waits up to the poll interval for a sample, then handles it and every
// sample that was already queued behind it.
func (c *Consumer) poll() error {
	samples := c.source.Samples()

	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()

	select {
	case sample, ok := <-samples:
		if !ok {
			return ErrSourceClosed
		}
		c.handle(sample)
	case <-timer.C:
		return nil
	}

	// Bounded so a producer faster than us cannot starve shutdown
	for pending := len(samples); pending > 0; pending-- {
		sample, ok := <-samples
		if !ok {
			return ErrSourceClosed
		}
		c.handle(sample)
	}

	if err := c.sink.Flush(); err != nil {
		c.logger.Warn("Error flushing output", zap.Error(err))
	}

	return nil
}

func (c *Consumer) handle(sample event.Sample) {
	if sample.IsLoss() {
		c.recorder.ObserveLoss(sample)
		if err := c.droppedEventHandler.handle(sample); err != nil {
			// Keep going, a lost-events marker is best effort
			c.logger.Warn("Error handling dropped event", zap.Error(err))
		}
		return
	}

	e, err := c.deserialiser.ToEvent(sample.Raw)
	if err != nil {
		if errors.Is(err, event.ErrUnknownFamily) {
			c.logger.Debug("Discarding event", zap.Error(err), zap.Int("cpu", sample.CPU))
			c.recorder.ObserveDiscard(metrics.ReasonUnknownFamily)
			return
		}

		c.logger.Warn("Error deserialising event", zap.Error(err), zap.Int("cpu", sample.CPU))
		c.recorder.ObserveDiscard(metrics.ReasonDecodeError)
		return
	}

	if !e.Direction.Known() {
		c.logger.Debug("Unclassified direction", zap.Int32("state", int32(e.Direction)))
	}

	if err := c.sink.WriteEvent(e); err != nil {
		c.logger.Warn("Error writing event", zap.Error(err), zap.Stringer("event", e))
		return
	}

	c.recorder.ObserveEvent(e)
	for _, observer := range c.observers {
		observer.ObserveEvent(e)
	}
}

// Close flushes and closes the sink. It is safe to call more than once;
// the sink is closed exactly once.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		if err := c.sink.Close(); err != nil {
			c.closeErr = fmt.Errorf("closing output: %w", err)
		}
	})

	return c.closeErr
}

type nopRecorder struct{}

func (nopRecorder) ObserveEvent(*event.Event) {}
func (nopRecorder) ObserveDiscard(string) {}
func (nopRecorder) ObserveLoss(event.Sample) {}
