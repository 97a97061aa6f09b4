package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	MintsTotal        *prometheus.CounterVec
	LockOps           *prometheus.CounterVec
	TransfersTotal    *prometheus.CounterVec
	SubAccountsTotal  *prometheus.CounterVec
	VerificationCalls *prometheus.CounterVec
	CommandDurations  *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		MintsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_mints_total",
				Help: "Total achievement mint attempts.",
			},
			[]string{"status"},
		),
		LockOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_lock_ops_total",
				Help: "Total lock state operations.",
			},
			[]string{"op", "status"},
		),
		TransfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_transfers_total",
				Help: "Total NFT transfer attempts.",
			},
			[]string{"mode", "status"},
		),
		SubAccountsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_sub_accounts_total",
				Help: "Total sub-account creation attempts.",
			},
			[]string{"status"},
		),
		VerificationCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_verification_calls_total",
				Help: "Total verification gate lookups.",
			},
			[]string{"result"},
		),
		CommandDurations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "registry_command_duration_seconds",
				Help:    "Registry command processing duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
	}

	registry.MustRegister(
		m.MintsTotal,
		m.LockOps,
		m.TransfersTotal,
		m.SubAccountsTotal,
		m.VerificationCalls,
		m.CommandDurations,
	)
	return m
}
