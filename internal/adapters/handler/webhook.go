package handler

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/khunghaydien/sellbridge-backend/internal/adapters/dto"
)

const (
	// AckReceived acknowledges a page delivery queued for processing
	AckReceived = "EVENT_RECEIVED"
	// AckUnknown acknowledges a delivery that was discarded
	AckUnknown = "UNKNOWN_EVENT"

	maxWebhookBody = 1 << 20
)

// WebhookQueue accepts parsed deliveries for background processing
type WebhookQueue interface {
	Enqueue(payload dto.FacebookWebhookRequest, raw []byte) bool
}

// WebhookHandler handles Facebook webhook verification and events.
// Deliveries are acknowledged before any processing happens.
type WebhookHandler struct {
	queue       WebhookQueue
	verifyToken string
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(queue WebhookQueue, verifyToken string) *WebhookHandler {
	return &WebhookHandler{
		queue:       queue,
		verifyToken: verifyToken,
	}
}

// ============================================================================
// GET /webhook/facebook - Webhook Verification
// ============================================================================

// VerifyHandshake returns the challenge to echo when mode is "subscribe" and
// token matches the configured verify token.
func (h *WebhookHandler) VerifyHandshake(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || h.verifyToken == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) != 1 {
		return "", false
	}
	return challenge, true
}

// HandleFacebookVerify handles webhook verification challenge from Facebook
// Ref: https://developers.facebook.com/docs/messenger-platform/webhooks#verification
func (h *WebhookHandler) HandleFacebookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := firstParam(q, "hub.mode", "mode")
	token := firstParam(q, "hub.verify_token", "verify_token")
	challenge := firstParam(q, "hub.challenge", "challenge")

	echo, ok := h.VerifyHandshake(mode, token, challenge)
	if !ok {
		slog.Warn("Webhook verification failed", "mode", mode, "remote_addr", r.RemoteAddr)
		http.Error(w, "Verification failed", http.StatusForbidden)
		return
	}

	slog.Info("Webhook verification successful")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, echo)
}

// ============================================================================
// POST /webhook/facebook - Webhook Events
// ============================================================================

// HandleEvent parses one delivery, queues it when it belongs to a page and
// returns the acknowledgement token. It never fails.
func (h *WebhookHandler) HandleEvent(raw []byte) string {
	var payload dto.FacebookWebhookRequest
	if err := json.Unmarshal(raw, &payload); err != nil {
		slog.Warn("Discarding unparseable webhook body", "error", err, "content_length", len(raw))
		return AckUnknown
	}
	if payload.Object != dto.ObjectPage {
		slog.Info("Discarding webhook for unsupported object", "object", payload.Object)
		return AckUnknown
	}

	if !h.queue.Enqueue(payload, raw) {
		// Logged by the queue; acknowledged anyway so the platform doesn't retry-storm
		return AckReceived
	}

	slog.Info("Webhook received and queued for processing",
		"entries", len(payload.Entry),
		"content_length", len(raw),
	)
	return AckReceived
}

// HandleFacebookEvent handles incoming Facebook webhook events.
// Always answers 200 so the platform never retries because of us.
func (h *WebhookHandler) HandleFacebookEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	ack := AckUnknown
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	switch {
	case err != nil:
		slog.Error("Failed to read webhook body", "error", err)
	case len(body) > maxWebhookBody:
		slog.Warn("Discarding oversized webhook body", "limit_bytes", maxWebhookBody)
	default:
		ack = h.HandleEvent(body)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, ack)
}

func firstParam(q map[string][]string, names ...string) string {
	for _, name := range names {
		if v, ok := q[name]; ok && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
