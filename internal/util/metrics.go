package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkouts_created_total",
		Help: "Total number of checkouts created",
	}, []string{"payment_method"})

	CheckoutsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkouts_failed_total",
		Help: "Total number of failed checkouts",
	}, []string{"reason"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_total",
		Help: "Total number of settlement attempts by outcome",
	}, []string{"outcome"})

	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_latency_seconds",
		Help:    "Latency of settlement transactions",
		Buckets: prometheus.DefBuckets,
	})

	StockDebitsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_debits_failed_total",
		Help: "Total number of stock debits rejected for exhaustion",
	})

	RefundsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refunds_issued_total",
		Help: "Total number of refunds accepted by the gateway",
	})

	RefundsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refunds_failed_total",
		Help: "Total number of refund requests the gateway rejected",
	})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_total",
		Help: "Total number of gateway webhooks by result",
	}, []string{"result"})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	}, []string{"source"})

	ReaperReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reaper_reclaimed_total",
		Help: "Total number of abandoned orders reclaimed by the reaper",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
