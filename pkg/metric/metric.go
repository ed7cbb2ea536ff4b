// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import (
	metrics "github.com/luxfi/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all metrics for the ad exchange using luxfi/metric.
type Metrics struct {
	metricsInstance metrics.Metrics

	// Bid metrics
	BidsSeen      metrics.Counter
	BidsPublished metrics.Counter
	BidsBound     metrics.Counter
	BidsCancelled metrics.Counter

	// Negotiation metrics
	NegotiationsOpened    metrics.Counter
	NegotiationsCompleted metrics.Counter
	NegotiationsBailed    metrics.CounterVec
	ActiveNegotiations    metrics.Gauge

	// Payment metrics
	PayoutsCompleted metrics.Counter
	MsatsPaid        metrics.Counter
	FeesPaid         metrics.Counter

	// Performance metrics
	PaymentDuration metrics.Histogram
	RankingDuration metrics.Histogram
}

// NewMetrics creates a new metrics instance using luxfi/metric.
func NewMetrics() (*Metrics, error) {
	factory := metrics.NewPrometheusFactory()
	metricsInstance := factory.New("nostrads")

	m := &Metrics{
		metricsInstance: metricsInstance,
	}

	m.BidsSeen = metricsInstance.NewCounter("bids_seen_total", "Total number of bid events received")
	m.BidsPublished = metricsInstance.NewCounter("bids_published_total", "Total number of bid events published")
	m.BidsBound = metricsInstance.NewCounter("bids_bound_total", "Total number of bids bound by the delegate")
	m.BidsCancelled = metricsInstance.NewCounter("bids_cancelled_total", "Total number of bids cancelled via deletion events")

	m.NegotiationsOpened = metricsInstance.NewCounter("negotiations_opened_total", "Total number of negotiations opened")
	m.NegotiationsCompleted = metricsInstance.NewCounter("negotiations_completed_total", "Total number of negotiations completed")
	m.NegotiationsBailed = metricsInstance.NewCounterVec(
		"negotiations_bailed_total",
		"Total number of negotiations bailed by reason",
		[]string{"reason"},
	)
	m.ActiveNegotiations = metricsInstance.NewGauge("negotiations_active", "Number of currently open negotiations")

	m.PayoutsCompleted = metricsInstance.NewCounter("payouts_completed_total", "Total number of completed payouts")
	m.MsatsPaid = metricsInstance.NewCounter("msats_paid_total", "Total millisatoshis paid out")
	m.FeesPaid = metricsInstance.NewCounter("fees_paid_msats_total", "Total millisatoshis paid as exchange fees")

	m.PaymentDuration = metricsInstance.NewHistogram(
		"payment_duration_seconds",
		"Time to settle an invoice",
		prometheus.DefBuckets,
	)

	m.RankingDuration = metricsInstance.NewHistogram(
		"ranking_duration_seconds",
		"Time to refresh a ranked bid queue",
		prometheus.DefBuckets,
	)

	return m, nil
}

// GetGatherer returns the prometheus gatherer for metrics export.
func (m *Metrics) GetGatherer() prometheus.Gatherer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultGatherer
}

// GetRegisterer returns the prometheus registerer.
func (m *Metrics) GetRegisterer() prometheus.Registerer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultRegisterer
}
