package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/ledger"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/observability"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/observability/logging"
)

const maxWebhookAttempts = 5

// WebhookWorker delivers queued gift events to external subscribers with
// HMAC signatures, per-subscription rate limiting, and bounded retries.
type WebhookWorker struct {
	store  *ledger.Store
	queue  *WebhookQueue
	client *http.Client
	log    *slog.Logger
	nowFn  func() time.Time

	rateMu sync.Mutex
	rate   map[uuid.UUID]rateWindow
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

func NewWebhookWorker(store *ledger.Store, queue *WebhookQueue, log *slog.Logger) *WebhookWorker {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookWorker{
		store:  store,
		queue:  queue,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		nowFn:  time.Now,
		rate:   make(map[uuid.UUID]rateWindow),
	}
}

// Run processes webhook tasks until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(task)
			continue
		}
		w.handleDelivery(ctx, task)
	}
}

// expandTask turns a fan-out marker into one delivery task per active
// subscription whose event filter matches.
func (w *WebhookWorker) expandTask(task WebhookTask) {
	subs, err := w.store.ActiveSubscriptions()
	if err != nil {
		w.log.Warn("webhook.expand_fail", "sequence", task.Event.Sequence, "err", err)
		return
	}
	for i := range subs {
		sub := subs[i]
		if !subscriptionMatches(sub.Events, task.Event.Type) {
			continue
		}
		w.queue.Enqueue(WebhookTask{Event: task.Event, Subscription: &sub})
	}
}

func (w *WebhookWorker) handleDelivery(ctx context.Context, task WebhookTask) {
	sub := task.Subscription
	if sub == nil || !sub.Active {
		return
	}
	now := w.nowFn()
	if !w.allow(sub.ID, sub.RateLimit, now) {
		task.NotBefore = w.rateReset(sub.ID)
		w.queue.Enqueue(task)
		return
	}

	payload, err := deliveryPayload(task.Event)
	if err != nil {
		w.recordAttempt(task, 0, err.Error(), nil)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordAttempt(task, 0, err.Error(), nil)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signPayload(sub.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(task, 0, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(task, resp.StatusCode, resp.Status)
		return
	}
	delivered := w.nowFn()
	w.recordAttempt(task, resp.StatusCode, "", &delivered)
}

func (w *WebhookWorker) retryLater(task WebhookTask, statusCode int, errMsg string) {
	attemptNum := task.Attempt + 1
	w.recordAttempt(task, statusCode, errMsg, nil)
	if attemptNum >= maxWebhookAttempts {
		w.log.Warn("webhook.delivery_abandoned",
			"subscription", task.Subscription.Name, "sequence", task.Event.Sequence, "attempts", attemptNum)
		return
	}
	task.Attempt++
	task.NotBefore = w.nowFn().Add(backoffDuration(attemptNum))
	w.queue.Enqueue(task)
}

func (w *WebhookWorker) recordAttempt(task WebhookTask, statusCode int, errMsg string, deliveredAt *time.Time) {
	sub := task.Subscription
	observability.Events().RecordDelivery(sub.Name, deliveredAt != nil)
	err := w.store.RecordWebhookAttempt(sub.ID, task.Event.Sequence, statusCode, task.Attempt+1, errMsg, deliveredAt)
	if err != nil {
		w.log.Warn("webhook.attempt_audit_fail", "subscription", sub.Name, "err", err)
	}
}

// backoffDuration doubles from one second per attempt and caps at five
// minutes.
func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second << (attempt - 1)
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *WebhookWorker) allow(id uuid.UUID, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = 60
	}
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if now.Sub(state.windowStart) >= time.Minute {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= limit {
		w.rate[id] = state
		return false
	}
	state.count++
	w.rate[id] = state
	return true
}

func (w *WebhookWorker) rateReset(id uuid.UUID) time.Time {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if state.windowStart.IsZero() {
		state.windowStart = w.nowFn()
	}
	reset := state.windowStart.Add(time.Minute)
	w.rate[id] = state
	return reset
}

// deliveryPayload renders the wire form of one event. Attribute decoding
// failures degrade to an empty map rather than blocking delivery.
func deliveryPayload(evt ledger.Event) ([]byte, error) {
	attrs, err := evt.DecodeAttributes()
	if err != nil {
		attrs = map[string]string{}
	}
	body := map[string]interface{}{
		"type":       evt.Type,
		"sequence":   evt.Sequence,
		"tokenId":    evt.TokenID,
		"attributes": attrs,
		"timestamp":  evt.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	return json.Marshal(body)
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// subscriptionMatches checks the comma-separated event filter; an empty
// filter or "*" subscribes to everything.
func subscriptionMatches(filter, eventType string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" || filter == "*" {
		return true
	}
	for _, part := range strings.Split(filter, ",") {
		if strings.EqualFold(strings.TrimSpace(part), eventType) {
			return true
		}
	}
	return false
}

type subscriptionSeed struct {
	Name      string   `yaml:"name"`
	URL       string   `yaml:"url"`
	Secret    string   `yaml:"secret"`
	Events    []string `yaml:"events"`
	RateLimit int      `yaml:"rateLimit"`
	Active    *bool    `yaml:"active"`
}

type subscriptionSeedFile struct {
	Subscriptions []subscriptionSeed `yaml:"subscriptions"`
}

// SeedSubscriptions upserts webhook subscriptions from a YAML file so
// receivers survive restarts and redeploys without manual registration.
// A missing file is not an error.
func SeedSubscriptions(path string, store *ledger.Store, log *slog.Logger) error {
	if path == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read webhook seed %s: %w", path, err)
	}
	var seed subscriptionSeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse webhook seed %s: %w", path, err)
	}
	for _, entry := range seed.Subscriptions {
		active := entry.Active == nil || *entry.Active
		events := strings.Join(entry.Events, ",")
		if _, err := store.UpsertSubscription(entry.Name, entry.URL, entry.Secret, events, entry.RateLimit, active); err != nil {
			return fmt.Errorf("seed subscription %s: %w", entry.Name, err)
		}
		log.Info("webhook.subscription_seeded", "name", entry.Name, "url", entry.URL, "active", active,
			logging.MaskField("secret", entry.Secret))
	}
	return nil
}
