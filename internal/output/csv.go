package output

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/event"
)

// LostMarker is written in the STATE column of the row emitted for a loss
// notification. It can never collide with a numeric state.
const LostMarker = "LOST"

var ErrSinkClosed = errors.New("write to closed sink")

var header = []string{"STATE", "PID", "COMM", "LADDR", "LPORT", "RADDR", "RPORT", "TX_KB", "RX_KB", "MS", "TS"}

// Sink is an interface which describes objects which render decoded events
// and loss notifications.
type Sink interface {
	WriteEvent(e *event.Event) error
	WriteLoss(loss event.Sample) error
	Flush() error
	Close() error
}

// CSVSink renders one row per event, after a header row.
type CSVSink struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
	closed bool
	row    [11]string
}

// NewCSVSink writes the header to w immediately. Close flushes and then
// closes w if it is an io.Closer.
func NewCSVSink(w io.Writer) (*CSVSink, error) {
	s := &CSVSink{w: csv.NewWriter(w)}
	if closer, ok := w.(io.Closer); ok {
		s.closer = closer
	}

	if err := s.w.Write(header); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}

	return s, nil
}

// OpenCSVFile creates (truncating) the file at path and returns a sink over
// it. A path of "-" writes to stdout, which is never closed.
func OpenCSVFile(path string) (*CSVSink, error) {
	if path == "-" {
		return NewCSVSink(nopCloser{os.Stdout})
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}

	sink, err := NewCSVSink(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return sink, nil
}

// WriteEvent renders e. LPORT and RPORT are the low and high halves of the
// packed ports field; MS is the RTT in whole milliseconds.
func (s *CSVSink) WriteEvent(e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	s.row = [11]string{
		strconv.FormatInt(int64(e.Direction), 10),
		strconv.FormatUint(uint64(e.PID), 10),
		e.Task,
		e.LocalAddr.String(),
		strconv.FormatUint(e.Ports&0xFFFFFFFF, 10),
		e.RemoteAddr.String(),
		strconv.FormatUint(e.Ports>>32, 10),
		strconv.FormatUint(e.TxBytes, 10),
		strconv.FormatUint(e.RxBytes, 10),
		strconv.FormatUint(e.LatencyMS(), 10),
		strconv.FormatUint(e.TimestampUS, 10),
	}

	return s.w.Write(s.row[:])
}

// WriteLoss renders a degraded row: the marker, the number of records lost
// and where they were lost. The remaining columns are empty.
func (s *CSVSink) WriteLoss(loss event.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	s.row = [11]string{LostMarker, strconv.FormatUint(loss.Lost, 10), loss.Source()}

	return s.w.Write(s.row[:])
}

// Flush pushes buffered rows to the underlying writer.
func (s *CSVSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	s.w.Flush()
	return s.w.Error()
}

// Close flushes and closes the sink. Only the first call has any effect.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.w.Flush()
	flushErr := s.w.Error()

	var closeErr error
	if s.closer != nil {
		closeErr = s.closer.Close()
	}

	if flushErr != nil {
		return fmt.Errorf("flushing output: %w", flushErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing output: %w", closeErr)
	}

	return nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
