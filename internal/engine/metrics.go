package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/theobattaglia1/tiktok-trending-data/pkg/monitoring"
)

// Metrics holds all Prometheus metrics for the trend engine
type Metrics struct {
	SnapshotsTotal    *prometheus.CounterVec
	DeltasDiscarded   prometheus.Counter
	Corrections       prometheus.Counter
	Classifications   *prometheus.CounterVec
	AlertsTotal       *prometheus.CounterVec
	CycleDuration     *prometheus.HistogramVec
	EntitiesPerCycle  *prometheus.HistogramVec
	ClickHouseInserts *prometheus.CounterVec
	KafkaMessages     *prometheus.CounterVec
	KafkaDuration     *prometheus.HistogramVec
}

// NewMetrics registers the engine metrics on the service collector
func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	kafkaMessages, kafkaDuration := mc.CreateKafkaMetrics()

	return &Metrics{
		SnapshotsTotal:    mc.NewCounter("snapshots_total", "Snapshot records by outcome", []string{"kind", "status"}),
		DeltasDiscarded:   mc.NewCounter("deltas_discarded_total", "Deltas discarded for non-positive elapsed time", nil).WithLabelValues(),
		Corrections:       mc.NewCounter("count_corrections_total", "Negative view deltas clamped to zero growth", nil).WithLabelValues(),
		Classifications:   mc.NewCounter("classifications_total", "Classification rows by stage", []string{"stage"}),
		AlertsTotal:       mc.NewCounter("alerts_total", "Alert decisions by priority and outcome", []string{"priority", "status"}),
		CycleDuration:     mc.NewHistogram("cycle_duration_seconds", "Evaluation cycle duration", []string{"trigger"}, nil),
		EntitiesPerCycle:  mc.NewHistogram("entities_per_cycle", "Entities processed per cycle", []string{"trigger"}, []float64{1, 5, 10, 25, 50, 100, 250, 500}),
		ClickHouseInserts: mc.NewCounter("clickhouse_inserts_total", "ClickHouse history inserts by table and status", []string{"table", "status"}),
		KafkaMessages:     kafkaMessages,
		KafkaDuration:     kafkaDuration,
	}
}
