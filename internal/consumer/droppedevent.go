package consumer

import (
	"go.uber.org/zap"

	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/event"
	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/output"
)

// DroppedEventHandler is an interface which describes objects which
// handle dropped events (events which the kernel could not write to
// the BPF perf buffer due to it being full).
type droppedEventHandler interface {
	handle(loss event.Sample) error
}

// SinkDroppedEventHandler marks the gap in the output and warns about it.
type sinkDroppedEventHandler struct {
	sink   output.Sink
	logger *zap.Logger
}

func newSinkDroppedEventHandler(sink output.Sink, logger *zap.Logger) *sinkDroppedEventHandler {
	return &sinkDroppedEventHandler{sink, logger}
}

// Handle handles a dropped event notification by writing a marker row and
// logging a warning. There is nothing else we can do about dropped events,
// except perhaps increase the buffer size or poll the perf buffer more
// quickly.
func (h *sinkDroppedEventHandler) handle(loss event.Sample) error {
	h.logger.Warn("Dropped events occurred",
		zap.Uint64("lost", loss.Lost),
		zap.Int("cpu", loss.CPU))

	return h.sink.WriteLoss(loss)
}
