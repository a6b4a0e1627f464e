package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/appback/billing/internal/database"
	"github.com/appback/billing/internal/models"
	"github.com/appback/billing/internal/payment"
	apierrors "github.com/appback/billing/internal/pkg/errors"
	"github.com/appback/billing/internal/repository"
)

// EventStore remembers which webhook events have already been applied.
// Processors redeliver events, so delivery is at-least-once.
type EventStore interface {
	// MarkProcessed records the event id and reports whether this call was
	// the first to see it.
	MarkProcessed(ctx context.Context, eventID string) (bool, error)

	// Forget drops the mark so a redelivery is processed again. Called when
	// applying the event fails after the mark was taken.
	Forget(ctx context.Context, eventID string) error
}

// eventDedupTTL bounds how long event ids are remembered. Processor retry
// windows are measured in days.
const eventDedupTTL = 72 * time.Hour

type redisEventStore struct {
	redis *database.Redis
}

// NewEventStore creates a redis-backed webhook event store.
func NewEventStore(redis *database.Redis) EventStore {
	return &redisEventStore{redis: redis}
}

func (s *redisEventStore) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	return s.redis.SetNX(ctx, "billing:webhook:event:"+eventID, "1", eventDedupTTL)
}

func (s *redisEventStore) Forget(ctx context.Context, eventID string) error {
	return s.redis.Del(ctx, "billing:webhook:event:"+eventID)
}

// WebhookReconciler applies processor-originated subscription changes back
// onto user records, keeping the record store consistent with out-of-band
// changes (dashboard edits, failed payments, trial expiry).
type WebhookReconciler struct {
	users  repository.UserRepository
	events EventStore
	logger *slog.Logger
}

// NewWebhookReconciler creates a webhook reconciler.
func NewWebhookReconciler(users repository.UserRepository, events EventStore, logger *slog.Logger) *WebhookReconciler {
	return &WebhookReconciler{
		users:  users,
		events: events,
		logger: logger.With("component", "webhook"),
	}
}

// Process applies one verified event. Non-subscription events and redelivered
// events are acknowledged without effect. A NotFound error means no user maps
// to the event's customer; callers should acknowledge it anyway since a retry
// cannot succeed.
func (r *WebhookReconciler) Process(ctx context.Context, event *payment.Event) error {
	logger := r.logger.With("event", event.ID, "type", event.Type)

	if !event.Subscription {
		webhookEvents.WithLabelValues("ignored").Inc()
		return nil
	}

	first, err := r.events.MarkProcessed(ctx, event.ID)
	if err != nil {
		return err
	}
	if !first {
		webhookEvents.WithLabelValues("duplicate").Inc()
		logger.Info("duplicate webhook event, skipped")
		return nil
	}

	record, err := r.users.GetByCustomerID(ctx, event.CustomerID)
	if err != nil {
		r.forget(ctx, logger, event.ID)
		return err
	}
	if record == nil {
		webhookEvents.WithLabelValues("orphan").Inc()
		logger.Warn("webhook event for unknown customer", "customer", event.CustomerID)
		return apierrors.NewNotFoundError("user")
	}

	if strings.HasSuffix(event.Type, ".deleted") {
		record.Billing.Plan = models.FreePlan
		record.Billing.SubscriptionID = ""
	} else {
		record.Billing.Plan = models.NormalizePlan(event.Plan)
		record.Billing.SubscriptionID = event.SubscriptionID
	}

	if err := reconcileAccount(ctx, r.users, record, true); err != nil {
		webhookEvents.WithLabelValues("error").Inc()
		r.forget(ctx, logger, event.ID)
		return err
	}
	webhookEvents.WithLabelValues("applied").Inc()
	logger.Info("applied webhook event",
		"user", record.ID, "plan", record.Billing.Plan, "subscription", record.Billing.SubscriptionID)
	return nil
}

// forget releases the dedup mark so the processor's redelivery is not
// mistaken for a duplicate of a failed attempt.
func (r *WebhookReconciler) forget(ctx context.Context, logger *slog.Logger, eventID string) {
	if err := r.events.Forget(ctx, eventID); err != nil {
		logger.Error("failed to release webhook event mark", "error", err)
	}
}
