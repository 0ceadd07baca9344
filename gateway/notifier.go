package gateway

import (
	"context"
	"log/slog"
	"time"

	"depositd/core/events"
	"depositd/storage"
)

const (
	maxPersistAttempts  = 5
	persistRetryBackoff = 200 * time.Millisecond
)

// EventSink persists events from the in-process log.
type EventSink interface {
	InsertEvent(ctx context.Context, evt storage.StoredEvent) error
}

// Notifier drains the in-process event log, persists every event to the
// store, and enqueues it for webhook delivery. Persistence is retried so a
// transient store failure does not punch a hole in the append-only log;
// delivery is handed off to the webhook queue so a slow subscriber never
// stalls intake.
type Notifier struct {
	log        *events.Log
	sink       EventSink
	queue      *WebhookQueue
	logger     *slog.Logger
	retryDelay time.Duration
}

func NewNotifier(log *events.Log, sink EventSink, queue *WebhookQueue, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		log:        log,
		sink:       sink,
		queue:      queue,
		logger:     logger,
		retryDelay: persistRetryBackoff,
	}
}

// Run blocks until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	ch, cancel := n.log.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			n.persist(ctx, evt)
			if n.queue != nil {
				n.queue.Enqueue(evt)
			}
		}
	}
}

func (n *Notifier) persist(ctx context.Context, evt events.Sequenced) {
	if n.sink == nil {
		return
	}
	stored := storage.StoredEvent{
		Sequence:   evt.Sequence,
		Type:       evt.Event.Type,
		Attributes: evt.Event.Attributes,
		CreatedAt:  evt.EmittedAt,
	}
	for attempt := 1; ; attempt++ {
		err := n.sink.InsertEvent(ctx, stored)
		if err == nil {
			return
		}
		if attempt >= maxPersistAttempts {
			n.logger.Error("event persist failed, giving up",
				"sequence", evt.Sequence, "type", evt.Event.Type, "attempts", attempt, "err", err)
			return
		}
		n.logger.Warn("event persist failed, retrying",
			"sequence", evt.Sequence, "type", evt.Event.Type, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(n.retryDelay):
		}
	}
}
