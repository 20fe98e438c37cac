package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/gift"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/ledger"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/observability"
)

const subscriberBuffer = 64

// EventBus persists gift lifecycle events, feeds the webhook queue, and fans
// them out to live stream subscribers. The ledger holds the durable history;
// subscriber channels are best-effort and a slow consumer drops events
// instead of blocking publishers.
type EventBus struct {
	store *ledger.Store
	queue *WebhookQueue
	log   *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]chan ledger.Event
	nextID uint64
}

// NewEventBus wires the bus to its durable store. The webhook queue may be
// nil when delivery is disabled.
func NewEventBus(store *ledger.Store, queue *WebhookQueue, log *slog.Logger) *EventBus {
	if log == nil {
		log = slog.Default()
	}
	return &EventBus{
		store: store,
		queue: queue,
		log:   log,
		subs:  make(map[uint64]chan ledger.Event),
	}
}

// Publish appends the event to the ledger and distributes it. Persistence
// failures drop the event entirely so no transport sees a sequence the
// history cannot replay.
func (b *EventBus) Publish(evt *gift.Event) {
	if b == nil || evt == nil {
		return
	}
	row, err := b.store.AppendEvent(evt.Type, evt.TokenID, evt.Attributes)
	if err != nil {
		b.log.Error("events.append_fail", "type", evt.Type, "token", evt.TokenID, "err", err)
		return
	}
	observability.Events().RecordEvent(evt.Type)

	b.mu.Lock()
	for _, ch := range b.subs {
		select {
		case ch <- *row:
		default:
		}
	}
	b.mu.Unlock()

	if b.queue != nil {
		b.queue.Enqueue(WebhookTask{Event: *row})
	}
}

// Subscribe registers a live listener. Events already persisted after the
// cursor are returned as backlog so callers can replay before switching to
// the channel. The cancel function is idempotent.
func (b *EventBus) Subscribe(ctx context.Context, cursor int64, backlogLimit int) (<-chan ledger.Event, func(), []ledger.Event, error) {
	backlog, err := b.store.EventsAfter(cursor, backlogLimit)
	if err != nil {
		return nil, nil, nil, err
	}

	ch := make(chan ledger.Event, subscriberBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, backlog, nil
}
