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
	"sync"
	"time"

	"github.com/google/uuid"

	"depositd/config"
	"depositd/core/events"
	"depositd/observability"
	"depositd/storage"
)

const (
	webhookSignatureHeader = "X-Webhook-Signature"
	webhookDeliveryHeader  = "X-Webhook-Delivery"
	maxDeliveryAttempts    = 5
	deliveryTimeout        = 10 * time.Second
	defaultQueueCapacity   = 1024
)

// webhookEnvelope is the JSON body POSTed to subscriber endpoints.
type webhookEnvelope struct {
	DeliveryID string            `json:"deliveryId"`
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  time.Time         `json:"emittedAt"`
}

// webhookTask is one pending delivery. A task with a nil endpoint has not
// been expanded into per-endpoint deliveries yet.
type webhookTask struct {
	event     events.Sequenced
	endpoint  *config.WebhookConfig
	delivery  string
	body      []byte
	attempt   int
	notBefore time.Time
}

// WebhookQueue stores delivery tasks ahead of the worker. Enqueue never
// blocks; when the queue is full the oldest task is dropped so event intake
// keeps flowing.
type WebhookQueue struct {
	mu       sync.Mutex
	tasks    []webhookTask
	capacity int
	logger   *slog.Logger
}

func NewWebhookQueue(capacity int, logger *slog.Logger) *WebhookQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookQueue{capacity: capacity, logger: logger}
}

// Enqueue adds an event for delivery to every configured endpoint.
func (q *WebhookQueue) Enqueue(evt events.Sequenced) {
	q.push(webhookTask{event: evt})
}

func (q *WebhookQueue) push(task webhookTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) >= q.capacity {
		dropped := q.tasks[0]
		copy(q.tasks, q.tasks[1:])
		q.tasks = q.tasks[:len(q.tasks)-1]
		observability.Metrics().Deliveries.WithLabelValues("dropped").Inc()
		q.logger.Warn("webhook queue full, dropping oldest task",
			"sequence", dropped.event.Sequence, "delivery", dropped.delivery)
	}
	q.tasks = append(q.tasks, task)
}

// Dequeue waits for the next task, honouring its NotBefore time. Returns
// false when the context is cancelled.
func (q *WebhookQueue) Dequeue(ctx context.Context) (webhookTask, bool) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			copy(q.tasks, q.tasks[1:])
			q.tasks = q.tasks[:len(q.tasks)-1]
			q.mu.Unlock()
			if delay := time.Until(task.notBefore); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return webhookTask{}, false
				case <-timer.C:
				}
			}
			return task, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return webhookTask{}, false
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (q *WebhookQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// WebhookWorker drains the queue and delivers events to the configured
// endpoints, one attempt per dequeue. Failed attempts are re-queued with
// exponential backoff instead of blocking the worker, so one dead subscriber
// never delays the others. Every attempt is recorded in the store.
type WebhookWorker struct {
	endpoints []config.WebhookConfig
	queue     *WebhookQueue
	store     *storage.Store
	client    *http.Client
	logger    *slog.Logger
	nowFn     func() time.Time
	backoff   time.Duration
}

func NewWebhookWorker(endpoints []config.WebhookConfig, queue *WebhookQueue, store *storage.Store, logger *slog.Logger) *WebhookWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookWorker{
		endpoints: endpoints,
		queue:     queue,
		store:     store,
		client:    &http.Client{Timeout: deliveryTimeout},
		logger:    logger,
		nowFn:     time.Now,
		backoff:   time.Second,
	}
}

// Run processes delivery tasks until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.endpoint == nil {
			w.expandTask(task)
			continue
		}
		w.handleDelivery(ctx, task)
	}
}

// expandTask fans an event out into one task per configured endpoint. The
// delivery id and signed body are fixed here so retries present the same
// payload.
func (w *WebhookWorker) expandTask(task webhookTask) {
	if len(w.endpoints) == 0 {
		return
	}
	body, err := json.Marshal(webhookEnvelope{
		Sequence:   task.event.Sequence,
		Type:       task.event.Event.Type,
		Attributes: task.event.Event.Attributes,
		EmittedAt:  task.event.EmittedAt,
	})
	if err != nil {
		w.logger.Error("webhook payload marshal failed", "sequence", task.event.Sequence, "err", err)
		return
	}
	for i := range w.endpoints {
		delivery := uuid.NewString()
		perEndpoint, err := withDeliveryID(body, delivery)
		if err != nil {
			w.logger.Error("webhook payload marshal failed", "sequence", task.event.Sequence, "err", err)
			continue
		}
		w.queue.push(webhookTask{
			event:    task.event,
			endpoint: &w.endpoints[i],
			delivery: delivery,
			body:     perEndpoint,
		})
	}
}

func (w *WebhookWorker) handleDelivery(ctx context.Context, task webhookTask) {
	metrics := observability.Metrics()
	status, err := w.post(ctx, task)
	w.recordAttempt(ctx, task, status, err)
	if err == nil {
		metrics.Deliveries.WithLabelValues("ok").Inc()
		return
	}
	w.logger.Warn("webhook delivery attempt failed",
		"url", task.endpoint.URL, "delivery", task.delivery,
		"attempt", task.attempt+1, "status", status, "err", err)
	if task.attempt+1 >= maxDeliveryAttempts {
		metrics.Deliveries.WithLabelValues("failed").Inc()
		return
	}
	task.attempt++
	task.notBefore = w.nowFn().Add(w.backoffDuration(task.attempt))
	w.queue.push(task)
}

func (w *WebhookWorker) backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := w.backoff * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *WebhookWorker) post(ctx context.Context, task webhookTask) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, task.endpoint.URL, bytes.NewReader(task.body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhookDeliveryHeader, task.delivery)
	req.Header.Set(webhookSignatureHeader, signWebhookBody(task.endpoint.Secret, task.body))
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (w *WebhookWorker) recordAttempt(ctx context.Context, task webhookTask, httpStatus int, deliveryErr error) {
	if w.store == nil {
		return
	}
	attempt := storage.WebhookAttempt{
		DeliveryID:    task.delivery,
		URL:           task.endpoint.URL,
		EventSequence: task.event.Sequence,
		Attempt:       task.attempt + 1,
		Status:        deliveryStatus(httpStatus, deliveryErr),
		Error:         errString(deliveryErr),
		CreatedAt:     w.nowFn().UTC(),
	}
	if err := w.store.InsertWebhookAttempt(ctx, attempt); err != nil {
		w.logger.Error("webhook attempt record failed", "delivery", attempt.DeliveryID, "err", err)
	}
}

// withDeliveryID rewrites the shared envelope with the per-endpoint delivery id.
func withDeliveryID(body []byte, delivery string) ([]byte, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	envelope.DeliveryID = delivery
	return json.Marshal(envelope)
}

func signWebhookBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func deliveryStatus(httpStatus int, err error) string {
	if err == nil && httpStatus >= 200 && httpStatus < 300 {
		return "delivered"
	}
	if httpStatus > 0 {
		return fmt.Sprintf("http_%d", httpStatus)
	}
	return "unreachable"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
