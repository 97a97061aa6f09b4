package saga

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TradeStates     *prometheus.CounterVec
	CommandsIssued  *prometheus.CounterVec
	Compensations   *prometheus.CounterVec
	ReconcilerRuns  prometheus.Counter
	ReconciledSteps *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TradeStates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_trade_states_total",
				Help: "Trade state transitions reached.",
			},
			[]string{"state"},
		),
		CommandsIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_commands_issued_total",
				Help: "Commands issued to the ledger and registry.",
			},
			[]string{"target", "action"},
		),
		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_compensations_total",
				Help: "Compensating actions issued.",
			},
			[]string{"action"},
		),
		ReconcilerRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_reconciler_runs_total",
				Help: "Reconciliation passes executed.",
			},
		),
		ReconciledSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_reconciled_steps_total",
				Help: "Actions taken by the reconciler on stale trades.",
			},
			[]string{"action"},
		),
	}

	registry.MustRegister(
		m.TradeStates,
		m.CommandsIssued,
		m.Compensations,
		m.ReconcilerRuns,
		m.ReconciledSteps,
	)
	return m
}
