package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/appback/billing/internal/payment"
	apierrors "github.com/appback/billing/internal/pkg/errors"
	"github.com/appback/billing/internal/pkg/response"
	"github.com/appback/billing/internal/service"
)

// maxWebhookBody bounds webhook payload size.
const maxWebhookBody = 1 << 16

// WebhookHandler handles processor webhook deliveries.
type WebhookHandler struct {
	processor  payment.Processor
	reconciler *service.WebhookReconciler
	logger     *slog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(processor payment.Processor, reconciler *service.WebhookReconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		processor:  processor,
		reconciler: reconciler,
		logger:     logger.With("component", "webhook_handler"),
	}
}

// Handle handles POST /_api/billing/webhook
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Failed to read payload"))
		return
	}

	event, err := h.processor.ConstructEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook rejected", "error", err)
		response.Error(w, err)
		return
	}

	if err := h.reconciler.Process(r.Context(), event); err != nil {
		// An event whose customer maps to no user can never be applied;
		// acknowledge so the processor stops redelivering it.
		if apierrors.AsAPIError(err).StatusCode == http.StatusNotFound {
			response.OK(w, map[string]bool{"received": true})
			return
		}
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]bool{"received": true})
}
