package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"gorm.io/gorm"

	"a2aexchange/models"
)

// Events emitted by the settlement ledger. An empty subscription list on a
// WebhookConfig receives all of them.
var AllEvents = []string{
	"escrow.created",
	"escrow.released",
	"escrow.refunded",
	"escrow.expired",
	"escrow.expiring_soon",
	"escrow.disputed",
	"escrow.dispute_pending_mediation",
	"escrow.resolved",
	"account.spending_limit_breached",
}

// Dispatcher implements the ledger's event sink by enqueueing events for
// asynchronous fan-out. It never blocks settlement.
type Dispatcher struct {
	queue *Queue
	nowFn func() time.Time
}

func NewDispatcher(queue *Queue) *Dispatcher {
	return &Dispatcher{queue: queue, nowFn: time.Now}
}

// EscrowEvent enqueues a lifecycle event for delivery to both parties.
func (d *Dispatcher) EscrowEvent(event string, esc models.Escrow) {
	d.queue.Enqueue(Event{Name: event, Escrow: esc, CreatedAt: d.nowFn().UTC()})
}

// AccountEvent enqueues an account-scoped event, such as a spending guard
// breach, for delivery to that account's webhook alone.
func (d *Dispatcher) AccountEvent(event, accountID string, data map[string]any) {
	d.queue.Enqueue(Event{Name: event, AccountID: accountID, Data: data, CreatedAt: d.nowFn().UTC()})
}

// WorkerConfig tunes the delivery worker.
type WorkerConfig struct {
	Timeout    time.Duration
	MaxRetries int
}

// Worker drains the queue and posts signed payloads to subscriber endpoints.
// Delivery is at-least-once; failed attempts back off at 5s, 25s, 125s.
type Worker struct {
	db     *gorm.DB
	queue  *Queue
	client *http.Client
	log    *slog.Logger
	cfg    WorkerConfig
	nowFn  func() time.Time
}

func NewWorker(db *gorm.DB, queue *Queue, cfg WorkerConfig, log *slog.Logger) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		db:     db,
		queue:  queue,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
		cfg:    cfg,
		nowFn:  time.Now,
	}
}

// maxConcurrentDeliveries bounds the in-flight deliveries so one slow or
// unreachable sink cannot hold up the others.
const maxConcurrentDeliveries = 8

// Run processes webhook tasks until the context is cancelled. Each delivery
// runs in its own goroutine behind a semaphore.
func (w *Worker) Run(ctx context.Context) {
	sem := make(chan struct{}, maxConcurrentDeliveries)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Target == nil {
			w.fanOut(ctx, task)
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			defer func() { <-sem }()
			w.deliver(ctx, task)
		}(task)
	}
}

// fanOut expands an event into one delivery task per subscribed party.
// Requester and provider each receive their own signed delivery; account
// events address a single recipient.
func (w *Worker) fanOut(ctx context.Context, task Task) {
	recipients := []string{task.Event.Escrow.RequesterID, task.Event.Escrow.ProviderID}
	if task.Event.AccountID != "" {
		recipients = []string{task.Event.AccountID}
	}
	seen := map[string]bool{}
	for _, accountID := range recipients {
		if accountID == "" || seen[accountID] {
			continue
		}
		seen[accountID] = true

		var cfg models.WebhookConfig
		err := w.db.WithContext(ctx).First(&cfg, "account_id = ?", accountID).Error
		if err != nil {
			continue
		}
		if !cfg.Active || !cfg.Subscribed(task.Event.Name) {
			continue
		}
		w.queue.enqueueTask(Task{
			Event:      task.Event,
			Target:     &cfg,
			DeliveryID: newDeliveryID(),
		})
	}
}

func (w *Worker) deliver(ctx context.Context, task Task) {
	target := task.Target
	payload, err := json.Marshal(deliveryBody(task))
	if err != nil {
		w.log.Error("webhook payload marshal failed", "event", task.Event.Name, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(payload))
	if err != nil {
		w.log.Error("webhook request build failed", "url", target.URL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-A2ASE-Signature", "sha256="+signPayload(target.Secret, payload))
	req.Header.Set("X-A2ASE-Event", task.Event.Name)
	req.Header.Set("X-A2ASE-Delivery", task.DeliveryID)

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(task, resp.Status)
		return
	}
	w.log.Debug("webhook delivered",
		"event", task.Event.Name, "delivery", task.DeliveryID,
		"account", target.AccountID, "attempt", task.Attempt+1)
}

func (w *Worker) retryLater(task Task, cause string) {
	if task.Attempt >= w.cfg.MaxRetries {
		w.log.Warn("webhook delivery abandoned",
			"event", task.Event.Name, "delivery", task.DeliveryID,
			"account", task.Target.AccountID, "attempts", task.Attempt+1, "cause", cause)
		return
	}
	delay := backoffDelay(task.Attempt)
	w.log.Debug("webhook delivery failed, retrying",
		"event", task.Event.Name, "delivery", task.DeliveryID,
		"attempt", task.Attempt+1, "retry_in", delay, "cause", cause)
	task.Attempt++
	task.NotBefore = w.nowFn().Add(delay)
	w.queue.enqueueTask(task)
}

// backoffDelay returns 5s, 25s, 125s for attempts 0, 1, 2.
func backoffDelay(attempt int) time.Duration {
	d := 5 * time.Second
	for i := 0; i < attempt; i++ {
		d *= 5
	}
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func deliveryBody(task Task) map[string]any {
	if task.Event.AccountID != "" {
		return map[string]any{
			"event":       task.Event.Name,
			"delivery_id": task.DeliveryID,
			"timestamp":   task.Event.CreatedAt.UTC().Format(time.RFC3339),
			"data":        task.Event.Data,
		}
	}
	esc := task.Event.Escrow
	data := map[string]any{
		"escrow_id":    esc.ID,
		"requester_id": esc.RequesterID,
		"provider_id":  esc.ProviderID,
		"amount":       esc.Amount,
		"fee_amount":   esc.FeeAmount,
		"status":       esc.Status,
		"expires_at":   esc.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if esc.TaskID != nil {
		data["task_id"] = *esc.TaskID
	}
	if esc.TaskType != nil {
		data["task_type"] = *esc.TaskType
	}
	if esc.GroupID != nil {
		data["group_id"] = *esc.GroupID
	}
	if esc.DisputeReason != nil {
		data["dispute_reason"] = *esc.DisputeReason
	}
	if esc.ResolvedAt != nil {
		data["resolved_at"] = esc.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"event":       task.Event.Name,
		"delivery_id": task.DeliveryID,
		"timestamp":   task.Event.CreatedAt.UTC().Format(time.RFC3339),
		"data":        data,
	}
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func newDeliveryID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "evt_000000000000"
	}
	return "evt_" + hex.EncodeToString(buf)
}
