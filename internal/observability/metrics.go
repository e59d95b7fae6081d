// Package observability holds the feed pipeline's Prometheus collectors.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	backendFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "social_feed",
		Name:      "backend_fallbacks_total",
		Help:      "Degradations taken because a backend object was missing or unavailable.",
	}, []string{"op", "reason"})
	shareTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "social_feed",
		Name:      "share_total",
		Help:      "Shared posts by the write strategy that succeeded.",
	}, []string{"strategy"})
	authRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "social_feed",
		Name:      "auth_refresh_total",
		Help:      "Session refresh attempts triggered by expired credentials.",
	}, []string{"outcome"})
	identityCardLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "social_feed",
		Name:      "identity_card_lookups_total",
		Help:      "Profile card lookups issued for ids with insufficient local identity data.",
	}, []string{"outcome"})
	pageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "social_feed",
		Name:      "page_duration_seconds",
		Help:      "Latency of feed page reads including hydration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"feed"})
)

func init() {
	prometheus.MustRegister(backendFallbacks, shareTotal, authRefreshTotal, identityCardLookups, pageDuration)
}

// RecordFallback counts a degradation for op.
func RecordFallback(op, reason string) {
	backendFallbacks.WithLabelValues(op, reason).Inc()
}

// RecordShare counts a successful share by strategy.
func RecordShare(strategy string) {
	shareTotal.WithLabelValues(strategy).Inc()
}

// RecordAuthRefresh counts a refresh attempt, outcome is "ok" or "failed".
func RecordAuthRefresh(outcome string) {
	authRefreshTotal.WithLabelValues(outcome).Inc()
}

// RecordCardLookup counts a profile card lookup.
func RecordCardLookup(outcome string) {
	identityCardLookups.WithLabelValues(outcome).Inc()
}

// ObservePage records how long a page read took.
func ObservePage(feed string, started time.Time) {
	if started.IsZero() {
		return
	}
	pageDuration.WithLabelValues(feed).Observe(time.Since(started).Seconds())
}
