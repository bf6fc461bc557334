package eventsink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/trafficctl/shiftd/pkg/protocol"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]Normalized
	fail    int // number of upcoming calls to fail
}

func (w *fakeWriter) WriteBatch(ctx context.Context, rows []Normalized) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 {
		w.fail--
		return context.DeadlineExceeded
	}
	w.batches = append(w.batches, rows)
	return nil
}

func (w *fakeWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func mkEvent(hash string) protocol.Event {
	return protocol.Event{SessionHash: hash, Type: "interaction", Timestamp: time.Now(), Fields: map[string]interface{}{"type": "interaction"}}
}

func TestSink_FlushesOnBatchSize(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, nil)
	defer s.Close()

	for i := 0; i < BatchSize; i++ {
		s.Enqueue(mkEvent("sess-1"))
	}

	deadline := time.After(time.Second)
	for w.total() < BatchSize {
		select {
		case <-deadline:
			t.Fatalf("expected %d events flushed, got %d", BatchSize, w.total())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSink_FlushesOnInterval(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, nil)
	defer s.Close()

	s.Enqueue(mkEvent("sess-1"))
	s.Enqueue(mkEvent("sess-2"))

	deadline := time.After(FlushInterval + time.Second)
	for w.total() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected partial batch flushed on interval, got %d", w.total())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSink_DropsOnOverflowAndCounts(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, nil)
	defer s.Close()

	for i := 0; i < MaxQueue; i++ {
		s.queue <- mkEvent("sess-1")
	}

	if ok := s.Enqueue(mkEvent("sess-overflow")); ok {
		t.Fatal("expected overflow enqueue to be rejected")
	}
	if s.Dropped() != 1 {
		t.Fatalf("expected 1 drop counted, got %d", s.Dropped())
	}
}

func TestSink_RejectsEnqueueAfterClose(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, nil)
	s.Close()

	if ok := s.Enqueue(mkEvent("sess-1")); ok {
		t.Fatal("expected enqueue to be rejected after close")
	}
}

func TestSink_DrainsResidualQueueOnClose(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, nil)

	s.Enqueue(mkEvent("sess-1"))
	s.Enqueue(mkEvent("sess-2"))
	s.Close()

	if got := w.total(); got != 2 {
		t.Fatalf("expected 2 events flushed on close, got %d", got)
	}
}

func TestSink_RequeuesUpToLimitOnFlushFailure(t *testing.T) {
	w := &fakeWriter{fail: 1}
	s := New(w, nil)
	defer s.Close()

	for i := 0; i < BatchSize; i++ {
		s.Enqueue(mkEvent("sess-1"))
	}

	deadline := time.After(FlushInterval + 2*time.Second)
	for w.total() < BatchSize {
		select {
		case <-deadline:
			t.Fatalf("expected requeued batch to eventually flush, got %d", w.total())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestNormalize_BoundsAndConvertsIP(t *testing.T) {
	evt := protocol.Event{SessionHash: "abc", Type: "click", IPAddress: "8.8.8.8", Timestamp: time.Now()}
	n := Normalize(evt, []byte(`{"a":1}`))

	if !n.HasIP || n.IPAddressU32 == 0 {
		t.Fatalf("expected valid IPv4 conversion, got %+v", n)
	}

	evt.IPAddress = "not-an-ip"
	n = Normalize(evt, []byte("{}"))
	if n.HasIP {
		t.Fatal("expected invalid IP to be reported as absent, not zero")
	}
}

func TestNormalize_TruncatesOversizedPayload(t *testing.T) {
	big := make([]byte, maxPayloadBytes+500)
	for i := range big {
		big[i] = 'x'
	}
	n := Normalize(protocol.Event{SessionHash: "abc"}, big)
	if len(n.PayloadJSON) != maxPayloadBytes {
		t.Fatalf("expected payload truncated to %d bytes, got %d", maxPayloadBytes, len(n.PayloadJSON))
	}
}
