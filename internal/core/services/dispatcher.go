// Package services contains core business logic
// Following Hexagonal Architecture: Services orchestrate domain logic using ports
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/khunghaydien/sellbridge-backend/internal/adapters/dto"
	"github.com/khunghaydien/sellbridge-backend/internal/core/domain"
	"github.com/khunghaydien/sellbridge-backend/internal/core/ports"
)

const defaultQueueSize = 256

// ProcessResult summarizes one webhook delivery
type ProcessResult struct {
	Processed int
	Skipped   int
	Failed    int
	Errors    []string
}

type webhookJob struct {
	payload  dto.FacebookWebhookRequest
	raw      []byte
	received time.Time
}

// Dispatcher orchestrates webhook processing.
// Deliveries are queued by the HTTP handler and processed one at a time by Run,
// so events for a page are broadcast in the order the webhooks arrived.
type Dispatcher struct {
	aggregator  *Aggregator
	broadcaster ports.Broadcaster
	webhookRepo ports.WebhookRepository // optional audit log

	mu     sync.RWMutex
	closed bool
	queue  chan webhookJob
}

// NewDispatcher creates a new dispatcher instance with dependencies injected.
// webhookRepo may be nil to disable the audit log.
func NewDispatcher(
	aggregator *Aggregator,
	broadcaster ports.Broadcaster,
	webhookRepo ports.WebhookRepository,
	queueSize int,
) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Dispatcher{
		aggregator:  aggregator,
		broadcaster: broadcaster,
		webhookRepo: webhookRepo,
		queue:       make(chan webhookJob, queueSize),
	}
}

// Enqueue hands a parsed delivery to the worker without blocking.
// Returns false when the queue is full or closed; the delivery is dropped.
func (d *Dispatcher) Enqueue(payload dto.FacebookWebhookRequest, raw []byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		slog.Warn("Dropping webhook: dispatcher closed")
		return false
	}

	select {
	case d.queue <- webhookJob{payload: payload, raw: raw, received: time.Now()}:
		return true
	default:
		slog.Error("Dropping webhook: ingest queue full",
			"entries", len(payload.Entry),
			"queue_size", cap(d.queue),
		)
		return false
	}
}

// Close stops accepting deliveries. Run drains what is already queued.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
}

// Run processes queued deliveries until Close has been called and the queue
// is empty, or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Warn("Dispatcher stopped before draining", "pending", len(d.queue))
			return
		case job, ok := <-d.queue:
			if !ok {
				slog.Info("Dispatcher drained")
				return
			}
			d.processJob(ctx, job)
		}
	}
}

// QueueLen returns the number of deliveries waiting to be processed
func (d *Dispatcher) QueueLen() int {
	return len(d.queue)
}

func (d *Dispatcher) processJob(ctx context.Context, job webhookJob) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in webhook job", "panic", r)
		}
	}()

	logID := d.saveLog(ctx, job)
	result := d.ProcessWebhook(ctx, job.payload)

	slog.Info("Webhook processing completed",
		"processed", result.Processed,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"latency_ms", time.Since(job.received).Milliseconds(),
	)

	if logID == 0 {
		return
	}
	status := domain.WebhookStatusProcessed
	var errorLog *string
	if result.Failed > 0 {
		status = domain.WebhookStatusFailed
		joined := strings.Join(result.Errors, "; ")
		errorLog = &joined
	}
	if err := d.webhookRepo.UpdateStatus(ctx, logID, status, errorLog); err != nil {
		slog.Error("Failed to update webhook status",
			"error", err,
			"webhook_id", logID,
			"status", status,
		)
	}
}

func (d *Dispatcher) saveLog(ctx context.Context, job webhookJob) int64 {
	if d.webhookRepo == nil || len(job.raw) == 0 {
		return 0
	}
	id, err := d.webhookRepo.SaveLog(ctx, &domain.WebhookLog{
		Platform:    "facebook",
		PayloadJSON: job.raw,
		Status:      domain.WebhookStatusPending,
		CreatedAt:   job.received,
	})
	if err != nil {
		slog.Error("Failed to save webhook log", "error", err)
		return 0
	}
	return id
}

// ProcessWebhook processes every entry of a delivery synchronously.
// Each sub-event is isolated: a failure or panic in one is recorded in the
// result and never stops its siblings.
func (d *Dispatcher) ProcessWebhook(ctx context.Context, payload dto.FacebookWebhookRequest) ProcessResult {
	var result ProcessResult

	if payload.Object != dto.ObjectPage {
		slog.Debug("Ignoring non-page webhook object", "object", payload.Object)
		return result
	}

	for i := range payload.Entry {
		entry := &payload.Entry[i]
		if entry.ID == "" {
			slog.Warn("Skipping webhook entry without page id")
			result.Skipped++
			continue
		}

		for j := range entry.Messaging {
			messaging := &entry.Messaging[j]
			d.isolate(&result, "messaging", entry.ID, func() (bool, error) {
				return d.handleMessaging(ctx, entry.ID, entry.Time, messaging)
			})
		}

		for j := range entry.Changes {
			change := &entry.Changes[j]
			d.isolate(&result, "change", entry.ID, func() (bool, error) {
				return d.handleChange(entry.ID, change)
			})
		}
	}

	return result
}

// isolate runs one sub-event handler, converting errors and panics into counts
func (d *Dispatcher) isolate(result *ProcessResult, kind, pageID string, fn func() (bool, error)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in webhook sub-event",
				"panic", r,
				"kind", kind,
				"page_id", pageID,
			)
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s %s: panic: %v", kind, pageID, r))
		}
	}()

	handled, err := fn()
	switch {
	case err != nil:
		slog.Error("Failed to process webhook sub-event",
			"error", err,
			"kind", kind,
			"page_id", pageID,
		)
		result.Failed++
		result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %v", kind, pageID, err))
	case handled:
		result.Processed++
	default:
		result.Skipped++
	}
}

func (d *Dispatcher) handleMessaging(ctx context.Context, pageID string, entryTime int64, m *dto.FacebookMessaging) (bool, error) {
	if m.Timestamp == 0 {
		m.Timestamp = entryTime
	}

	ev, ok := Normalize(pageID, m)
	if !ok {
		return false, nil
	}

	reached := d.broadcaster.BroadcastToPage(pageID, domain.BroadcastMessage, ev)
	slog.Debug("Inbound event broadcast",
		"page_id", pageID,
		"type", ev.Kind,
		"is_echo", ev.IsEcho,
		"reached", reached,
	)

	summary, changed := d.aggregator.UpsertFromMessage(ctx, ev)
	if !changed {
		return true, nil
	}

	reached = d.broadcaster.BroadcastToPage(pageID, domain.BroadcastConversation, summary)
	slog.Info("Conversation updated from message",
		"conversation_id", summary.ID,
		"message_count", summary.MessageCount,
		"unread_count", summary.UnreadCount,
		"reached", reached,
	)
	return true, nil
}

func (d *Dispatcher) handleChange(pageID string, change *dto.FacebookChange) (bool, error) {
	id, update, err := NormalizeChange(pageID, change)
	if errors.Is(err, errUnsupportedChange) {
		slog.Debug("Ignoring webhook change", "page_id", pageID, "field", change.Field)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	summary := d.aggregator.UpsertFromRemote(id, pageID, update)
	reached := d.broadcaster.BroadcastToPage(pageID, domain.BroadcastConversation, summary)
	slog.Info("Conversation updated from remote push",
		"conversation_id", id,
		"message_count", summary.MessageCount,
		"unread_count", summary.UnreadCount,
		"reached", reached,
	)
	return true, nil
}
