package directdebit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Resource types carried by webhook events.
const (
	ResourcePayments = "payments"
	ResourceMandates = "mandates"
)

// StatusUnknown is the normalized status for unrecognized actions or
// resource types.
const StatusUnknown = "unknown"

// WebhookEvent is a raw provider webhook event record.
type WebhookEvent struct {
	ID           string    `json:"id"`
	ResourceType string    `json:"resource_type"` // payments | mandates
	Action       string    `json:"action"`
	CreatedAt    time.Time `json:"created_at"`
	Details      struct {
		Cause       string `json:"cause,omitempty"`
		Description string `json:"description,omitempty"`
	} `json:"details"`
	Links struct {
		Payment string `json:"payment,omitempty"`
		Mandate string `json:"mandate,omitempty"`
	} `json:"links"`
}

// StatusUpdate is the internal normalized form of a webhook event.
type StatusUpdate struct {
	ID           string    `json:"id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Status       string    `json:"status"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

var paymentActionStatus = map[string]PaymentStatus{
	"created":      PaymentPending,
	"submitted":    PaymentSubmitted,
	"confirmed":    PaymentPaid,
	"paid_out":     PaymentPaid,
	"failed":       PaymentFailed,
	"cancelled":    PaymentCancelled,
	"charged_back": PaymentChargedBack,
}

var mandateActionStatus = map[string]MandateStatus{
	"created":    MandatePendingSubmission,
	"submitted":  MandateSubmitted,
	"active":     MandateActive,
	"reinstated": MandateActive,
	"failed":     MandateFailed,
	"cancelled":  MandateCancelled,
	"expired":    MandateExpired,
}

// NormalizeEvents maps a batch of raw provider events into internal status
// updates. Pure and total: exactly one update per input event, in input
// order, and no input ever raises. Actions outside the lookup map to
// StatusUnknown with a message echoing the raw action.
func NormalizeEvents(events []WebhookEvent) []StatusUpdate {
	updates := make([]StatusUpdate, 0, len(events))
	for _, ev := range events {
		updates = append(updates, normalizeEvent(ev))
	}
	return updates
}

func normalizeEvent(ev WebhookEvent) StatusUpdate {
	u := StatusUpdate{
		ID:           ev.ID,
		ResourceType: ev.ResourceType,
		CreatedAt:    ev.CreatedAt,
	}

	switch ev.ResourceType {
	case ResourcePayments:
		u.ResourceID = ev.Links.Payment
		if status, ok := paymentActionStatus[ev.Action]; ok {
			u.Status = string(status)
			u.Message = "payment " + ev.Action
		}
	case ResourceMandates:
		u.ResourceID = ev.Links.Mandate
		if status, ok := mandateActionStatus[ev.Action]; ok {
			u.Status = string(status)
			u.Message = "mandate " + ev.Action
		}
	}

	if u.Status == "" {
		u.Status = StatusUnknown
		u.Message = fmt.Sprintf("unhandled %s action %q", ev.ResourceType, ev.Action)
	}
	if ev.Details.Description != "" {
		u.Message = ev.Details.Description
	}
	return u
}

// StatusSink consumes normalized status updates, typically persisting them
// onto local records.
type StatusSink interface {
	ApplyStatusUpdate(ctx context.Context, update StatusUpdate) error
}

// WebhookHandler receives provider webhook callbacks, normalizes the event
// batch, and forwards each update to the sink. Signature verification is the
// surrounding application's concern.
type WebhookHandler struct {
	sink   StatusSink
	logger *slog.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(sink StatusSink, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{sink: sink, logger: logger}
}

type webhookBody struct {
	Events []WebhookEvent `json:"events"`
}

// ServeHTTP handles incoming webhook requests.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var payload webhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	h.logger.Info("received provider webhook", "events", len(payload.Events))

	for _, update := range NormalizeEvents(payload.Events) {
		if err := h.sink.ApplyStatusUpdate(ctx, update); err != nil {
			h.logger.Error("failed to apply status update",
				"event_id", update.ID,
				"resource_type", update.ResourceType,
				"resource_id", update.ResourceID,
				"status", update.Status,
				"error", err,
			)
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
