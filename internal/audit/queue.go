// queue.go
//
// Bounded in-process audit queue. Queue implements quota.Recorder: Submit hands
// an entry to a buffered channel and returns immediately; StartWorker drains the
// channel in a background goroutine and writes each entry to the Sink (Postgres).
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/tollgate/internal/metrics"
	"github.com/MGallo-Code/tollgate/internal/store"
)

// DefaultQueueSize is the buffer applied when NewQueue is given a non-positive size.
const DefaultQueueSize = 1000

// errBufferSize caps undelivered sink errors; older errors are never blocked on.
const errBufferSize = 64

// writeTimeout bounds each sink write, including those made while draining on shutdown.
const writeTimeout = 5 * time.Second

// ErrQueueFull is returned by Submit when the buffer is at capacity. The entry is dropped.
var ErrQueueFull = errors.New("audit queue full")

// Sink persists audit entries. Satisfied by *store.PostgresStore.
type Sink interface {
	InsertAuditEntry(ctx context.Context, e store.AuditEntry) error
}

// Queue buffers audit entries between the request path and the Sink.
type Queue struct {
	sink    Sink
	entries chan store.AuditEntry
	errs    chan error
	metrics *metrics.Metrics
}

// NewQueue returns a Queue with room for size entries.
// m may be nil.
func NewQueue(sink Sink, size int, m *metrics.Metrics) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		sink:    sink,
		entries: make(chan store.AuditEntry, size),
		errs:    make(chan error, errBufferSize),
		metrics: m,
	}
}

// Submit enqueues entry without blocking.
// Returns ErrQueueFull if the buffer is at capacity.
func (q *Queue) Submit(entry store.AuditEntry) error {
	select {
	case q.entries <- entry:
		q.metrics.RecordAudit("queued")
		return nil
	default:
		q.metrics.RecordAudit("dropped")
		return ErrQueueFull
	}
}

// Len reports how many entries are waiting to be written.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Errors exposes sink failures; main logs them. Buffered; errors are discarded when
// nobody reads and the buffer is full (the failed metric still counts them).
func (q *Queue) Errors() <-chan error {
	return q.errs
}

// StartWorker writes queued entries to the sink until ctx is cancelled, then drains
// whatever is already buffered and returns. Call in a goroutine.
func (q *Queue) StartWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.drain(ctx)
			return
		case e := <-q.entries:
			q.write(ctx, e)
		}
	}
}

// drain flushes buffered entries after shutdown has begun.
func (q *Queue) drain(ctx context.Context) {
	n := 0
	for {
		select {
		case e := <-q.entries:
			q.write(ctx, e)
			n++
		default:
			if n > 0 {
				slog.Info("audit worker: drained queue", "entries", n)
			}
			return
		}
	}
}

// write persists one entry. Failures are counted and published on Errors -- no retry.
func (q *Queue) write(ctx context.Context, e store.AuditEntry) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := q.sink.InsertAuditEntry(wctx, e); err != nil {
		q.metrics.RecordAudit("failed")
		q.publish(fmt.Errorf("writing audit entry %s for %s: %w", e.ID, e.Endpoint, err))
		return
	}
	q.metrics.RecordAudit("written")
}

func (q *Queue) publish(err error) {
	select {
	case q.errs <- err:
	default:
	}
}
