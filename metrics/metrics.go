// Package metrics registers the engine's Prometheus collectors. Counters
// are incremented by the services after a successful commit, never inside
// an open transaction.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleflow_settlements_total",
		Help: "Escrow settlements by outcome (release, refund, split).",
	}, []string{"outcome"})

	DisputesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleflow_disputes_total",
		Help: "Dispute transitions by resulting status.",
	}, []string{"status"})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleflow_refunds_total",
		Help: "Refund records by terminal status.",
	}, []string{"status"})

	ComplianceAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settleflow_compliance_alerts_total",
		Help: "Compliance alerts raised for operators.",
	})
)
