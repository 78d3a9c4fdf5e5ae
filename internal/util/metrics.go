package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_total",
		Help: "Total number of successful settlements",
	}, []string{"kind"})

	SettlementsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_failed_total",
		Help: "Total number of failed settlements",
	}, []string{"reason"})

	CompensationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_compensations_total",
		Help: "Total number of settlements rolled back after a partial failure",
	})

	CompensationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_compensation_failures_total",
		Help: "Total number of failed compensations leaving balances inconsistent",
	})

	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_latency_seconds",
		Help:    "Latency of settlement operations",
		Buckets: prometheus.DefBuckets,
	})

	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "allocations_total",
		Help: "Total number of slot/account allocations",
	}, []string{"account_type"})

	AllocationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "allocations_failed_total",
		Help: "Total number of failed allocations",
	}, []string{"reason"})

	ReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "releases_total",
		Help: "Total number of slot/account releases",
	})

	StockSyncsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_syncs_total",
		Help: "Total number of stock recomputations",
	})

	StockSyncLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_sync_latency_seconds",
		Help:    "Latency of stock recomputation",
		Buckets: prometheus.DefBuckets,
	})

	ResolverHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credential_resolver_hits_total",
		Help: "Total number of credential resolutions that found a match",
	})

	ResolverMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credential_resolver_misses_total",
		Help: "Total number of credential resolutions with no match",
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
