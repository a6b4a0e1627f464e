// Package handler provides HTTP handlers for the billing API.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	apierrors "github.com/appback/billing/internal/pkg/errors"
	"github.com/appback/billing/internal/pkg/response"
	"github.com/appback/billing/internal/service"
)

// BillingService dispatches decoded billing method calls.
type BillingService interface {
	Handle(ctx context.Context, req *service.Request) (any, error)
}

// BillingHandler handles the single-endpoint billing API.
type BillingHandler struct {
	orchestrator BillingService
	validate     *validator.Validate
}

// NewBillingHandler creates a new billing handler.
func NewBillingHandler(orchestrator BillingService) *BillingHandler {
	return &BillingHandler{
		orchestrator: orchestrator,
		validate:     validator.New(),
	}
}

// envelope is the request body of every billing call. Args accepts both an
// object and a single-element array; hoodie clients send the latter.
type envelope struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

// Handle handles POST /_api/billing
func (h *BillingHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if env.Method == "" {
		response.Error(w, apierrors.NewValidationError("method", "method is required"))
		return
	}

	args, err := decodeArgs(env.Args)
	if err != nil {
		response.Error(w, err)
		return
	}
	if args != nil {
		if err := h.validate.Struct(args); err != nil {
			response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid arguments").WithDetails(err.Error()))
			return
		}
	}

	reply, err := h.orchestrator.Handle(r.Context(), &service.Request{
		Method:        env.Method,
		Args:          args,
		Authorization: r.Header.Get("Authorization"),
		Cookie:        r.Header.Get("Cookie"),
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, reply)
}

func decodeArgs(raw json.RawMessage) (*service.Args, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	trimmed := string(raw)
	if trimmed == "null" {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var list []*service.Args
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, apierrors.ErrBadRequest.WithMessage("Invalid arguments")
		}
		if len(list) == 0 {
			return nil, nil
		}
		return list[0], nil
	}
	var args service.Args
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, apierrors.ErrBadRequest.WithMessage("Invalid arguments")
	}
	return &args, nil
}
