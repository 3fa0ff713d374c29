package consumer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/event"
	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/eventchan"
	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/output"
	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/probe"
)

const mockPollInterval = 10 * time.Millisecond

type mockSource struct {
	samples chan event.Sample
}

func newMockSource(samples ...event.Sample) *mockSource {
	ch := make(chan event.Sample, len(samples)+1)
	for _, s := range samples {
		ch <- s
	}

	return &mockSource{ch}
}

func (ms *mockSource) Samples() <-chan event.Sample {
	return ms.samples
}

type mockSink struct {
	mu sync.Mutex

	writeErrorToReturn error
	closeErrorToReturn error

	rows             []string
	closeCalls       int
	writesAfterClose int
	rowsWanted       int
	rowsWritten      chan struct{}
}

func newMockSink(rowsWanted int) *mockSink {
	return &mockSink{rowsWanted: rowsWanted, rowsWritten: make(chan struct{})}
}

func (ms *mockSink) add(row string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closeCalls > 0 {
		ms.writesAfterClose++
	}

	if ms.writeErrorToReturn != nil {
		return ms.writeErrorToReturn
	}

	ms.rows = append(ms.rows, row)
	if len(ms.rows) == ms.rowsWanted {
		close(ms.rowsWritten)
	}

	return nil
}

func (ms *mockSink) WriteEvent(e *event.Event) error {
	return ms.add(fmt.Sprintf("event pid=%d", e.PID))
}

func (ms *mockSink) WriteLoss(loss event.Sample) error {
	return ms.add(fmt.Sprintf("loss %d %s", loss.Lost, loss.Source()))
}

func (ms *mockSink) Flush() error {
	return nil
}

func (ms *mockSink) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.closeCalls++
	return ms.closeErrorToReturn
}

func (ms *mockSink) snapshot() ([]string, int, int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return append([]string(nil), ms.rows...), ms.closeCalls, ms.writesAfterClose
}

type mockRecorder struct {
	events   int
	discards map[string]int
	lost     uint64
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{discards: make(map[string]int)}
}

func (mr *mockRecorder) ObserveEvent(*event.Event) { mr.events++ }
func (mr *mockRecorder) ObserveDiscard(reason string) { mr.discards[reason]++ }
func (mr *mockRecorder) ObserveLoss(loss event.Sample) { mr.lost += loss.Lost }

type mockDroppedEventHandler struct {
	errorToReturn error

	handleCalled bool
}

func (mh *mockDroppedEventHandler) handle(event.Sample) error {
	mh.handleCalled = true
	return mh.errorToReturn
}

func rawSample(cpu int, family event.Family, pid uint32) event.Sample {
	raw := &event.RawEvent{
		Family: uint32(family),
		PID:    pid,
		State:  int32(event.DirectionSend),
	}
	copy(raw.Task[:], "mock")

	var buf [event.RawEventSize]byte
	raw.MarshalBinaryTo(&buf, event.HostByteOrder())

	return event.Sample{CPU: cpu, Raw: buf[:]}
}

func runUntilRows(t *testing.T, c *Consumer, sink *mockSink) error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- c.Run(ctx)
	}()

	select {
	case <-sink.rowsWritten:
	case <-time.After(5 * time.Second):
		t.Error("timed out waiting for rows to be written")
	}
	cancel()

	select {
	case err := <-errChan:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop after cancellation")
		return nil
	}
}

func TestRunRecordsThenLoss(t *testing.T) {
	source := newMockSource(
		rawSample(0, event.FamilyIPv4, 1),
		rawSample(1, event.FamilyIPv6, 2),
		rawSample(0, event.FamilyIPv4, 3),
		event.Sample{CPU: 1, Lost: 7},
	)
	sink := newMockSink(4)
	recorder := newMockRecorder()
	deserialiser := event.NewCStructDeserialiser(event.HostByteOrder())

	c := New(source, deserialiser, sink, recorder, mockPollInterval, zaptest.NewLogger(t))

	if err := runUntilRows(t, c, sink); err != nil {
		t.Errorf("expected nil error, got %v (of type %T)", err, err)
	}

	rows, closeCalls, writesAfterClose := sink.snapshot()
	expected := []string{"event pid=1", "event pid=2", "event pid=3", "loss 7 cpu1"}
	if strings.Join(rows, "|") != strings.Join(expected, "|") {
		t.Errorf("expected rows %q, got %q", expected, rows)
	}

	if closeCalls != 1 {
		t.Errorf("expected sink to be closed once, was closed %d times", closeCalls)
	}

	if writesAfterClose != 0 {
		t.Errorf("expected no writes after close, got %d", writesAfterClose)
	}

	if recorder.events != 3 || recorder.lost != 7 {
		t.Errorf("expected recorder to see 3 events and 7 lost, saw %d and %d", recorder.events, recorder.lost)
	}
}

func TestRunDiscardsUnknownFamily(t *testing.T) {
	source := newMockSource(
		rawSample(0, 0, 1),
		rawSample(0, 1, 2),
		rawSample(0, event.FamilyIPv4, 3),
	)
	sink := newMockSink(1)
	recorder := newMockRecorder()
	deserialiser := event.NewCStructDeserialiser(event.HostByteOrder())

	c := New(source, deserialiser, sink, recorder, mockPollInterval, zaptest.NewLogger(t))

	if err := runUntilRows(t, c, sink); err != nil {
		t.Errorf("expected nil error, got %v (of type %T)", err, err)
	}

	rows, _, _ := sink.snapshot()
	if len(rows) != 1 || rows[0] != "event pid=3" {
		t.Errorf("expected only the IPv4 event to be rendered, got %q", rows)
	}

	if recorder.discards["unknown_family"] != 2 {
		t.Errorf("expected 2 unknown family discards, got %d", recorder.discards["unknown_family"])
	}
}

func TestRunDecodeErrorContinues(t *testing.T) {
	source := newMockSource(
		event.Sample{CPU: 0, Raw: []byte{0xCA, 0xFE}},
		rawSample(0, event.FamilyIPv4, 9),
	)
	sink := newMockSink(1)
	recorder := newMockRecorder()
	deserialiser := event.NewCStructDeserialiser(event.HostByteOrder())

	c := New(source, deserialiser, sink, recorder, mockPollInterval, zaptest.NewLogger(t))

	if err := runUntilRows(t, c, sink); err != nil {
		t.Errorf("expected nil error, got %v (of type %T)", err, err)
	}

	rows, _, _ := sink.snapshot()
	if len(rows) != 1 || rows[0] != "event pid=9" {
		t.Errorf("expected the record after the bad one to be rendered, got %q", rows)
	}

	if recorder.discards["decode_error"] != 1 {
		t.Errorf("expected 1 decode error discard, got %d", recorder.discards["decode_error"])
	}
}

func TestRunDroppedEventHandlerError(t *testing.T) {
	source := newMockSource(
		event.Sample{CPU: 2, Lost: 3},
		rawSample(2, event.FamilyIPv4, 5),
	)
	sink := newMockSink(1)
	mockError := errors.New("mock dropped event handler error")
	handler := &mockDroppedEventHandler{errorToReturn: mockError}
	deserialiser := event.NewCStructDeserialiser(event.HostByteOrder())

	c := newConsumer(source, deserialiser, sink, handler, nil, mockPollInterval, zaptest.NewLogger(t))

	// Despite the dropped event handler returning an error, the consumer should
	// continue and render the next record
	if err := runUntilRows(t, c, sink); err != nil {
		t.Errorf("expected nil error, got %v (of type %T)", err, err)
	}

	if !handler.handleCalled {
		t.Error("expected dropped event handler to be called, but was not")
	}
}

func TestRunShutdownClosesSinkOnce(t *testing.T) {
	source := newMockSource()
	sink := newMockSink(-1)
	deserialiser := event.NewCStructDeserialiser(event.HostByteOrder())

	c := New(source, deserialiser, sink, nil, mockPollInterval, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- c.Run(ctx)
	}()

	time.Sleep(3 * mockPollInterval)
	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("expected nil error, got %v (of type %T)", err, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop within a poll interval of cancellation")
	}

	if err := c.Close(); err != nil {
		t.Errorf("expected nil error, got %v (of type %T)", err, err)
	}

	_, closeCalls, _ := sink.snapshot()
	if closeCalls != 1 {
		t.Errorf("expected sink to be closed exactly once, was closed %d times", closeCalls)
	}
}

func TestRunSinkCloseError(t *testing.T) {
	mockError := errors.New("mock sink close error")
	sink := newMockSink(-1)
	sink.closeErrorToReturn = mockError
	deserialiser := event.NewCStructDeserialiser(event.HostByteOrder())

	c := New(newMockSource(), deserialiser, sink, nil, mockPollInterval, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Run(ctx)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	t.Logf("got error %q (of type %T)", err, err)

	if !errors.Is(err, mockError) {
		t.Errorf("expected error chain to include %q, but did not", mockError)
	}
}

func TestRunSourceClosed(t *testing.T) {
	source := newMockSource()
	close(source.samples)
	sink := newMockSink(-1)
	deserialiser := event.NewCStructDeserialiser(event.HostByteOrder())

	c := New(source, deserialiser, sink, nil, mockPollInterval, zap.NewNop())

	err := c.Run(context.Background())
	if !errors.Is(err, ErrSourceClosed) {
		t.Errorf("expected error chain to include %q, got %v", ErrSourceClosed, err)
	}

	_, closeCalls, _ := sink.snapshot()
	if closeCalls != 1 {
		t.Errorf("expected sink to be closed once, was closed %d times", closeCalls)
	}
}

type bufferCloser struct {
	bytes.Buffer
}

func (*bufferCloser) Close() error { return nil }

func TestPipelineFromProbesToCSV(t *testing.T) {
	channel := eventchan.New(3, 1)
	out := new(bufferCloser)
	sink, err := output.NewCSVSink(out)
	if err != nil {
		t.Fatalf("expected nil error, got %v (of type %T)", err, err)
	}
	deserialiser := event.NewCStructDeserialiser(event.HostByteOrder())
	c := New(channel, deserialiser, sink, nil, mockPollInterval, zaptest.NewLogger(t))

	trigger := probe.Trigger{
		Task: probe.Task{PIDTGID: uint64(4242) << 32},
		Socket: &probe.Socket{
			Family:        uint16(event.FamilyIPv4),
			LocalAddr4:    [4]byte{10, 0, 0, 1},
			RemoteAddr4:   [4]byte{93, 184, 216, 34},
			LocalPort:     8080,
			RemotePortNet: probe.Htons(443),
			SmoothedRTT:   800,
		},
	}
	copy(trigger.Task.Comm[:], "curl")

	probe.HandleReceiveCompletion(trigger, 0, channel) // filtered
	probe.HandleReceiveCompletion(trigger, 2048, channel)
	probe.HandleSend(trigger, 1500, channel)
	probe.HandleSend(trigger, 0, channel)
	probe.HandleSend(trigger, 9000, channel) // channel full, dropped

	if err := c.poll(); err != nil {
		t.Fatalf("expected nil error, got %v (of type %T)", err, err)
	}

	probe.HandleSend(trigger, 1, channel) // preceded by the loss notification

	if err := c.poll(); err != nil {
		t.Fatalf("expected nil error, got %v (of type %T)", err, err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("expected nil error, got %v (of type %T)", err, err)
	}

	expected := strings.Join([]string{
		"STATE,PID,COMM,LADDR,LPORT,RADDR,RPORT,TX_KB,RX_KB,MS,TS",
		"-1,4242,curl,10.0.0.1,8080,93.184.216.34,443,0,2048,0,0",
		"-2,4242,curl,10.0.0.1,8080,93.184.216.34,443,1500,0,0,0",
		"-2,4242,curl,10.0.0.1,8080,93.184.216.34,443,0,0,0,0",
		"LOST,1,cpu0,,,,,,,,",
		"-2,4242,curl,10.0.0.1,8080,93.184.216.34,443,1,0,0,0",
	}, "\n") + "\n"

	if out.String() != expected {
		t.Errorf("expected output:\n%s\ngot:\n%s", expected, out.String())
	}
}
