// Package eventsink implements a bounded, batching write path from the
// connection handler and /beacon into the event log: one writer goroutine
// batches events and flushes them on a size or time trigger.
package eventsink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trafficctl/shiftd/pkg/protocol"
)

const (
	// MaxQueue bounds the sink's pending-event backlog.
	MaxQueue = 10000
	// BatchSize is the target row count per flush.
	BatchSize = 100
	// FlushInterval is how often a partial batch is flushed regardless of size.
	FlushInterval = 5 * time.Second
	// RequeueLimit bounds how many events a failed flush may re-queue.
	RequeueLimit = 1000
)

// Writer is the event log backend C5 flushes batches to.
type Writer interface {
	WriteBatch(ctx context.Context, rows []Normalized) error
}

// Sink is safe for concurrent Enqueue calls. Exactly one goroutine ever
// touches the writer.
type Sink struct {
	writer Writer
	log    *slog.Logger

	queue chan protocol.Event

	closed   atomic.Bool
	dropped  atomic.Int64
	done     chan struct{}
	stopOnce sync.Once

	wg sync.WaitGroup
}

func New(writer Writer, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Sink{
		writer: writer,
		log:    log,
		queue:  make(chan protocol.Event, MaxQueue),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Enqueue is a bounded, drop-on-overflow admission: it returns false (and
// counts a drop) if the sink is closed or the queue is full.
func (s *Sink) Enqueue(evt protocol.Event) bool {
	if s.closed.Load() {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.queue <- evt:
		return true
	default:
		s.dropped.Add(1)
		s.log.Warn("event sink queue full, dropping event", "session_hash", evt.SessionHash)
		return false
	}
}

// Dropped reports the cumulative number of events dropped for overflow or
// post-shutdown enqueue attempts.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// QueueLen reports the current backlog, for /admin/stats.
func (s *Sink) QueueLen() int {
	return len(s.queue)
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	batch := make([]protocol.Event, 0, BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		rows := normalizeBatch(batch)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.writer.WriteBatch(ctx, rows)
		cancel()
		if err != nil {
			s.log.Warn("event sink flush failed, requeuing", "batch_size", len(batch), "error", err)
			s.requeue(batch)
		}
		batch = batch[:0]
	}

	for {
		select {
		case evt := <-s.queue:
			batch = append(batch, evt)
			if len(batch) >= BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain the residual queue with one final flush.
			for {
				select {
				case evt := <-s.queue:
					batch = append(batch, evt)
				default:
					flush()
					return
				}
			}
		}
	}
}

// requeue re-queues up to RequeueLimit events from a failed flush; any
// that don't fit (queue already busy) count as drops, same as any other
// overflow. A plain channel has no head, so the re-queued events are
// pushed back in their original order.
func (s *Sink) requeue(batch []protocol.Event) {
	limit := len(batch)
	if limit > RequeueLimit {
		limit = RequeueLimit
	}
	dropped := len(batch) - limit
	requeued := 0
	for _, evt := range batch[:limit] {
		select {
		case s.queue <- evt:
			requeued++
		default:
			dropped++
		}
	}
	if dropped > 0 {
		s.dropped.Add(int64(dropped))
		s.log.Warn("event sink dropped events after flush failure", "dropped", dropped, "requeued", requeued)
	}
}

// Close refuses further queueing and drains the residual queue with one
// final flush.
func (s *Sink) Close() error {
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

func normalizeBatch(events []protocol.Event) []Normalized {
	rows := make([]Normalized, 0, len(events))
	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			payload = []byte("{}")
		}
		rows = append(rows, Normalize(evt, payload))
	}
	return rows
}
