package webhooks

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"a2aexchange/models"
)

// Event is a settlement notification awaiting delivery. Escrow events carry
// the escrow snapshot and fan out to both parties; account events set
// AccountID and Data instead and go to that account alone.
type Event struct {
	Name      string
	Escrow    models.Escrow
	AccountID string
	Data      map[string]any
	CreatedAt time.Time
}

// Task pairs an event with a delivery target. A nil Target means the task
// has not been fanned out to subscribers yet.
type Task struct {
	Event      Event
	Target     *models.WebhookConfig
	DeliveryID string
	Attempt    int
	NotBefore  time.Time
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

// QueueOption adjusts queue behaviour.
type QueueOption func(*queueConfig)

type queueConfig struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

const (
	defaultQueueCapacity = 1024
	defaultQueueTTL      = 15 * time.Minute
)

// WithCapacity bounds the number of pending tasks. Overflow drops the
// oldest pending task.
func WithCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithTTL configures how long queued tasks remain eligible for delivery.
func WithTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withClock overrides the clock used for TTL evaluation (test only).
func withClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue is a bounded in-memory buffer between the ledger and the delivery
// worker. Delivery is at-least-once while the process lives; queue loss on
// crash is accepted.
type Queue struct {
	mu      sync.Mutex
	tasks   queueRing[queuedTask]
	ttl     time.Duration
	now     func() time.Time
	metrics *queueMetrics
}

// NewQueue constructs a bounded queue with optional customisation.
func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{
		capacity: defaultQueueCapacity,
		ttl:      defaultQueueTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		tasks:   newQueueRing[queuedTask](cfg.capacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: sharedMetrics(),
	}
}

// Enqueue adds an un-fanned-out event to the queue.
func (q *Queue) Enqueue(evt Event) {
	q.enqueueTask(Task{Event: evt})
}

func (q *Queue) enqueueTask(task Task) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if q.tasks.capacity() == 0 {
		q.metrics.recordDropped("overflow", 1)
		return
	}
	if _, dropped := q.tasks.push(queuedTask{task: task, enqueuedAt: now}); dropped {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.len()
}

// Dequeue waits for the next due task. Tasks whose NotBefore has not passed
// are rotated to the back so a retrying delivery never holds up the rest of
// the queue. Returns false once the context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		now := q.now()
		q.mu.Lock()
		q.evictExpiredLocked(now)
		queued, ok := q.popDueLocked(now)
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return Task{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}

		if q.ttl > 0 {
			if age := q.now().Sub(queued.enqueuedAt); age > q.ttl {
				q.metrics.recordDropped("ttl", 1)
				continue
			}
		}
		return queued.task, true
	}
}

// popDueLocked pops the first task whose NotBefore has passed. Not-yet-due
// tasks keep their relative order at the back of the ring.
func (q *Queue) popDueLocked(now time.Time) (queuedTask, bool) {
	for i := q.tasks.len(); i > 0; i-- {
		queued, ok := q.tasks.pop()
		if !ok {
			break
		}
		if !queued.task.NotBefore.After(now) {
			return queued, true
		}
		q.tasks.push(queued)
	}
	return queuedTask{}, false
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok {
			break
		}
		if now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}
}

// queueRing is a fixed-size ring buffer that overwrites the oldest element
// on overflow.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	if capacity <= 0 {
		return queueRing[T]{}
	}
	return queueRing[T]{buf: make([]T, capacity)}
}

func (r *queueRing[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	var zero T
	return zero, false
}

func (r *queueRing[T]) pop() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *queueRing[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *queueRing[T]) len() int      { return r.size }
func (r *queueRing[T]) capacity() int { return len(r.buf) }

var (
	metricsOnce  sync.Once
	queueShared  *queueMetrics
)

type queueMetrics struct {
	dropped metric.Int64Counter
}

func sharedMetrics() *queueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("a2aexchange/webhooks")
		counter, err := meter.Int64Counter("a2a.exchange.webhooks.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("a2aexchange/webhooks")
			counter, _ = fallback.Int64Counter("a2a.exchange.webhooks.dropped")
		}
		queueShared = &queueMetrics{dropped: counter}
	})
	return queueShared
}

func (m *queueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
