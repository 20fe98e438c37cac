package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/gift"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/ledger"
)

func newWebhookStore(t *testing.T) *ledger.Store {
	t.Helper()
	db, err := ledger.Open(filepath.Join(t.TempDir(), "webhooks.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return ledger.NewStore(db)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubscriptionMatches(t *testing.T) {
	cases := []struct {
		filter string
		event  string
		want   bool
	}{
		{"", "gift.created", true},
		{"*", "gift.claimed", true},
		{"gift.created", "gift.created", true},
		{"GIFT.CREATED", "gift.created", true},
		{"gift.created, gift.claimed", "gift.claimed", true},
		{"gift.created,gift.claimed", "gift.returned", false},
		{"gift.returned", "gift.created", false},
	}
	for _, tc := range cases {
		if got := subscriptionMatches(tc.filter, tc.event); got != tc.want {
			t.Fatalf("subscriptionMatches(%q, %q) = %v, want %v", tc.filter, tc.event, got, tc.want)
		}
	}
}

func TestBackoffDuration(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{12, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := backoffDuration(tc.attempt); got != tc.want {
			t.Fatalf("backoffDuration(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestWorkerDeliversSignedPayload(t *testing.T) {
	store := newWebhookStore(t)
	queue := NewWebhookQueue(WithQueueCapacity(8))

	type received struct {
		body      []byte
		signature string
	}
	got := make(chan received, 1)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body: body, signature: r.Header.Get("X-Webhook-Signature")}
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	sub, err := store.UpsertSubscription("receiver", receiver.URL, "topsecret", "", 0, true)
	if err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
	evt, err := store.AppendEvent(gift.EventTypeGiftCreated, "7", map[string]string{"transactionHash": "0xabc"})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}

	worker := NewWebhookWorker(store, queue, discardLogger())
	worker.handleDelivery(context.Background(), WebhookTask{Event: *evt, Subscription: sub})

	var rec received
	select {
	case rec = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never arrived")
	}
	if want := signPayload("topsecret", rec.body); rec.signature != want {
		t.Fatalf("signature = %s, want %s", rec.signature, want)
	}
	var payload struct {
		Type       string            `json:"type"`
		Sequence   int64             `json:"sequence"`
		TokenID    string            `json:"tokenId"`
		Attributes map[string]string `json:"attributes"`
		Timestamp  string            `json:"timestamp"`
	}
	if err := json.Unmarshal(rec.body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Type != gift.EventTypeGiftCreated || payload.TokenID != "7" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.Sequence != evt.Sequence {
		t.Fatalf("sequence = %d, want %d", payload.Sequence, evt.Sequence)
	}
	if payload.Attributes["transactionHash"] != "0xabc" {
		t.Fatalf("attributes = %v", payload.Attributes)
	}
	if payload.Timestamp == "" {
		t.Fatal("timestamp missing")
	}

	var audits []ledger.WebhookAttempt
	if err := store.DB().Find(&audits).Error; err != nil {
		t.Fatalf("load attempts: %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("recorded %d attempts, want 1", len(audits))
	}
	if audits[0].DeliveredAt == nil || audits[0].StatusCode != http.StatusOK {
		t.Fatalf("attempt audit = %+v", audits[0])
	}
}

func TestWorkerRetriesFailedDelivery(t *testing.T) {
	store := newWebhookStore(t)
	queue := NewWebhookQueue(WithQueueCapacity(8))

	var hits atomic.Int64
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer receiver.Close()

	sub, err := store.UpsertSubscription("flaky", receiver.URL, "s", "", 0, true)
	if err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
	evt, err := store.AppendEvent(gift.EventTypeGiftClaimed, "3", nil)
	if err != nil {
		t.Fatalf("append event: %v", err)
	}

	worker := NewWebhookWorker(store, queue, discardLogger())
	worker.handleDelivery(context.Background(), WebhookTask{Event: *evt, Subscription: sub})

	if hits.Load() != 1 {
		t.Fatalf("receiver hit %d times, want 1", hits.Load())
	}
	if queue.Len() != 1 {
		t.Fatalf("queue length = %d, want requeued task", queue.Len())
	}
	queued, ok := queue.tasks.peek()
	if !ok {
		t.Fatal("requeued task missing")
	}
	if queued.task.Attempt != 1 {
		t.Fatalf("requeued attempt = %d, want 1", queued.task.Attempt)
	}
	if !queued.task.NotBefore.After(time.Now()) {
		t.Fatal("requeued task has no backoff delay")
	}
}

func TestWorkerAbandonsAfterMaxAttempts(t *testing.T) {
	store := newWebhookStore(t)
	queue := NewWebhookQueue(WithQueueCapacity(8))

	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer receiver.Close()

	sub, err := store.UpsertSubscription("dead", receiver.URL, "s", "", 0, true)
	if err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
	evt, err := store.AppendEvent(gift.EventTypeGiftReturned, "9", nil)
	if err != nil {
		t.Fatalf("append event: %v", err)
	}

	worker := NewWebhookWorker(store, queue, discardLogger())
	worker.handleDelivery(context.Background(), WebhookTask{
		Event:        *evt,
		Subscription: sub,
		Attempt:      maxWebhookAttempts - 1,
	})

	if queue.Len() != 0 {
		t.Fatalf("queue length = %d, want 0 after abandonment", queue.Len())
	}
	var audits []ledger.WebhookAttempt
	if err := store.DB().Find(&audits).Error; err != nil {
		t.Fatalf("load attempts: %v", err)
	}
	if len(audits) != 1 || audits[0].Attempts != maxWebhookAttempts {
		t.Fatalf("attempt audit = %+v", audits)
	}
}

func TestWorkerDefersWhenSubscriberRateLimited(t *testing.T) {
	store := newWebhookStore(t)
	queue := NewWebhookQueue(WithQueueCapacity(8))

	var hits atomic.Int64
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	sub, err := store.UpsertSubscription("slow", receiver.URL, "s", "", 1, true)
	if err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
	first, err := store.AppendEvent(gift.EventTypeGiftCreated, "1", nil)
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	second, err := store.AppendEvent(gift.EventTypeGiftCreated, "2", nil)
	if err != nil {
		t.Fatalf("append event: %v", err)
	}

	worker := NewWebhookWorker(store, queue, discardLogger())
	worker.handleDelivery(context.Background(), WebhookTask{Event: *first, Subscription: sub})
	worker.handleDelivery(context.Background(), WebhookTask{Event: *second, Subscription: sub})

	if hits.Load() != 1 {
		t.Fatalf("receiver hit %d times, want 1 inside the window", hits.Load())
	}
	if queue.Len() != 1 {
		t.Fatalf("queue length = %d, want deferred task", queue.Len())
	}
	queued, _ := queue.tasks.peek()
	if queued.task.Attempt != 0 {
		t.Fatalf("deferral must not count as an attempt, got %d", queued.task.Attempt)
	}
	if !queued.task.NotBefore.After(time.Now()) {
		t.Fatal("deferred task has no reset delay")
	}
}

func TestExpandTaskFansOutToMatchingSubscribers(t *testing.T) {
	store := newWebhookStore(t)
	queue := NewWebhookQueue(WithQueueCapacity(8))

	if _, err := store.UpsertSubscription("matching", "http://one.example", "s1", "gift.created", 0, true); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.UpsertSubscription("other-filter", "http://two.example", "s2", "gift.returned", 0, true); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.UpsertSubscription("inactive", "http://three.example", "s3", "", 0, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	evt, err := store.AppendEvent(gift.EventTypeGiftCreated, "5", nil)
	if err != nil {
		t.Fatalf("append event: %v", err)
	}

	worker := NewWebhookWorker(store, queue, discardLogger())
	worker.expandTask(WebhookTask{Event: *evt})

	if queue.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", queue.Len())
	}
	task, ok := queue.Dequeue(context.Background())
	if !ok {
		t.Fatal("dequeue failed")
	}
	if task.Subscription == nil || task.Subscription.Name != "matching" {
		t.Fatalf("fan-out picked %+v", task.Subscription)
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	queue := NewWebhookQueue(WithQueueCapacity(2))
	for seq := int64(1); seq <= 3; seq++ {
		queue.Enqueue(WebhookTask{Event: ledger.Event{Sequence: seq}})
	}
	if queue.Len() != 2 {
		t.Fatalf("queue length = %d, want 2", queue.Len())
	}
	task, _ := queue.Dequeue(context.Background())
	if task.Event.Sequence != 2 {
		t.Fatalf("first dequeued sequence = %d, want 2", task.Event.Sequence)
	}
	task, _ = queue.Dequeue(context.Background())
	if task.Event.Sequence != 3 {
		t.Fatalf("second dequeued sequence = %d, want 3", task.Event.Sequence)
	}
}

func TestQueueDropsStaleTasks(t *testing.T) {
	clock := newTestClock()
	queue := NewWebhookQueue(WithQueueCapacity(4), WithQueueTTL(time.Minute), withQueueClock(clock.Now))

	queue.Enqueue(WebhookTask{Event: ledger.Event{Sequence: 1}})
	clock.Advance(2 * time.Minute)
	queue.Enqueue(WebhookTask{Event: ledger.Event{Sequence: 2}})

	if queue.Len() != 1 {
		t.Fatalf("queue length = %d, want stale task evicted", queue.Len())
	}
	task, _ := queue.Dequeue(context.Background())
	if task.Event.Sequence != 2 {
		t.Fatalf("dequeued sequence = %d, want 2", task.Event.Sequence)
	}
}

func TestSeedSubscriptions(t *testing.T) {
	store := newWebhookStore(t)
	path := filepath.Join(t.TempDir(), "webhooks.yaml")
	seed := `subscriptions:
  - name: ops
    url: https://hooks.example/ops
    secret: ops-secret
    events: [gift.created, gift.claimed]
    rateLimit: 120
  - name: disabled
    url: https://hooks.example/old
    secret: old-secret
    active: false
`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	if err := SeedSubscriptions(path, store, discardLogger()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	active, err := store.ActiveSubscriptions()
	if err != nil {
		t.Fatalf("active subscriptions: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active count = %d, want 1", len(active))
	}
	if active[0].Name != "ops" || active[0].Events != "gift.created,gift.claimed" || active[0].RateLimit != 120 {
		t.Fatalf("seeded subscription = %+v", active[0])
	}

	// Re-seeding is an upsert, not a duplicate insert.
	if err := SeedSubscriptions(path, store, discardLogger()); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	active, err = store.ActiveSubscriptions()
	if err != nil {
		t.Fatalf("active subscriptions: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active count after re-seed = %d, want 1", len(active))
	}

	if err := SeedSubscriptions(filepath.Join(t.TempDir(), "missing.yaml"), store, discardLogger()); err != nil {
		t.Fatalf("missing seed file should be ignored: %v", err)
	}
}
