package controlplane

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько времени заняло принятие решения
	AuthorizeDuration *prometheus.HistogramVec

	// Traffic: общее кол-во проверок по исходам
	DecisionTotal *prometheus.CounterVec

	// Transactions: движение денег по статусам
	TransactionTotal *prometheus.CounterVec

	// Saturation: свободный остаток и резерв бюджета
	BudgetAvailable *prometheus.GaugeVec
	BudgetReserved  *prometheus.GaugeVec

	// Audit: заполненность буфера журнала (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern — без регистра работаем в локальный, никуда не подключенный
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		AuthorizeDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "amlcp_authorize_duration_seconds",
			Help:    "Histogram of authorize latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"group", "effect"}),

		DecisionTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "amlcp_decisions_total",
			Help: "Total number of authorize decisions by effect.",
		}, []string{"group", "effect"}),

		TransactionTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "amlcp_transactions_total",
			Help: "Total number of treasury transactions by status.",
		}, []string{"group", "status"}),

		BudgetAvailable: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "amlcp_budget_available",
			Help: "Current available budget per group.",
		}, []string{"group"}),

		BudgetReserved: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "amlcp_budget_reserved",
			Help: "Current reserved budget per group.",
		}, []string{"group"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "amlcp_audit_buffer_utilization",
			Help: "Current number of entries in the audit journal buffer.",
		}),
	}
}
