package gateway

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/ledger"
)

// WebhookTask is one unit of delivery work. A task without a subscription is
// a fan-out marker that the worker expands into one task per matching
// subscriber; the ledger already holds the event, so the queue keeps no
// history of its own.
type WebhookTask struct {
	Event        ledger.Event
	Subscription *ledger.WebhookSubscription
	Attempt      int
	NotBefore    time.Time
}

type queuedTask struct {
	task       WebhookTask
	enqueuedAt time.Time
}

// WebhookQueueOption adjusts the behaviour of the queue.
type WebhookQueueOption func(*webhookQueueConfig)

type webhookQueueConfig struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

const (
	defaultQueueCapacity = 1024
	defaultQueueTTL      = 15 * time.Minute
)

// WithQueueCapacity bounds the number of pending delivery tasks.
func WithQueueCapacity(capacity int) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithQueueTTL configures how long queued tasks remain eligible for delivery.
func WithQueueTTL(ttl time.Duration) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withQueueClock overrides the clock used for TTL evaluation (test only).
func withQueueClock(now func() time.Time) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WebhookQueue is a bounded in-process buffer between the event bus and the
// delivery worker. Overflow overwrites the oldest task; stale tasks are
// dropped once their TTL lapses. Both conditions are counted, not fatal.
type WebhookQueue struct {
	mu      sync.Mutex
	tasks   taskRing
	ttl     time.Duration
	now     func() time.Time
	metrics *webhookQueueMetrics
}

// NewWebhookQueue constructs a bounded queue with optional customisation.
func NewWebhookQueue(opts ...WebhookQueueOption) *WebhookQueue {
	cfg := webhookQueueConfig{
		capacity: defaultQueueCapacity,
		ttl:      defaultQueueTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &WebhookQueue{
		tasks:   newTaskRing(cfg.capacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: queueMetrics(),
	}
}

// Enqueue adds a delivery task to the queue.
func (q *WebhookQueue) Enqueue(task WebhookTask) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if _, dropped := q.tasks.push(queuedTask{task: task, enqueuedAt: now}); dropped {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Len reports the number of queued tasks.
func (q *WebhookQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.len()
}

// Dequeue waits for the next due task. Returns false once the context is
// cancelled.
func (q *WebhookQueue) Dequeue(ctx context.Context) (WebhookTask, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.tasks.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return WebhookTask{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}

		if delay := time.Until(queued.task.NotBefore); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return WebhookTask{}, false
			case <-timer.C:
			}
		}

		if q.ttl > 0 && q.now().Sub(queued.enqueuedAt) > q.ttl {
			q.metrics.recordDropped("ttl", 1)
			continue
		}
		return queued.task, true
	}
}

func (q *WebhookQueue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}
}

// taskRing is a fixed-size ring buffer that overwrites the oldest element on
// overflow.
type taskRing struct {
	buf  []queuedTask
	head int
	size int
}

func newTaskRing(capacity int) taskRing {
	if capacity <= 0 {
		return taskRing{}
	}
	return taskRing{buf: make([]queuedTask, capacity)}
}

func (r *taskRing) push(v queuedTask) (queuedTask, bool) {
	if len(r.buf) == 0 {
		return queuedTask{}, true
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
	return queuedTask{}, false
}

func (r *taskRing) pop() (queuedTask, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		return queuedTask{}, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = queuedTask{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *taskRing) peek() (queuedTask, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		return queuedTask{}, false
	}
	return r.buf[r.head], true
}

func (r *taskRing) len() int {
	return r.size
}

var (
	queueMetricsOnce   sync.Once
	sharedQueueMetrics *webhookQueueMetrics
)

type webhookQueueMetrics struct {
	dropped metric.Int64Counter
}

func queueMetrics() *webhookQueueMetrics {
	queueMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("cryptogift/gateway")
		counter, err := meter.Int64Counter("gift.webhooks.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("cryptogift/gateway")
			counter, _ = fallback.Int64Counter("gift.webhooks.dropped")
		}
		sharedQueueMetrics = &webhookQueueMetrics{dropped: counter}
	})
	return sharedQueueMetrics
}

func (m *webhookQueueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
