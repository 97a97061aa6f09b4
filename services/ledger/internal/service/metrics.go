package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	BalanceLookups   *prometheus.CounterVec
	TransfersTotal   *prometheus.CounterVec
	ReservationsOps  *prometheus.CounterVec
	SupplyOps        *prometheus.CounterVec
	CommandDurations *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		BalanceLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_balance_lookups_total",
				Help: "Total balance lookups.",
			},
			[]string{"status"},
		),
		TransfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transfers_total",
				Help: "Total transfer attempts.",
			},
			[]string{"status"},
		),
		ReservationsOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_reservation_ops_total",
				Help: "Total reservation operations.",
			},
			[]string{"op", "status"},
		),
		SupplyOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_supply_ops_total",
				Help: "Total mint and burn operations.",
			},
			[]string{"op", "status"},
		),
		CommandDurations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_command_duration_seconds",
				Help:    "Ledger command processing duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
	}

	registry.MustRegister(
		m.BalanceLookups,
		m.TransfersTotal,
		m.ReservationsOps,
		m.SupplyOps,
		m.CommandDurations,
	)
	return m
}
