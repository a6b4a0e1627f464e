package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	localizedPlansCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_localized_plans_created_total",
		Help: "Number of tax-localized plans created at the payment processor",
	})

	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Processed webhook events by outcome",
	}, []string{"outcome"})

	billingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_requests_total",
		Help: "Billing API requests by method and outcome",
	}, []string{"method", "outcome"})
)
