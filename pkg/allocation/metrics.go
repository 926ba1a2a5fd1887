package allocation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors
// エンジンのPrometheusコレクタを保持
type Metrics struct {
	AllocationsTotal     *prometheus.CounterVec // 引当要求数（outcome別）
	ReservationConflicts prometheus.Counter     // 予約書き込み時の競合数
	ShortagesDetected    prometheus.Counter     // 不足検出数
	AllocationDuration   prometheus.Histogram   // 引当処理時間
}

// NewMetrics creates and registers the engine collectors
// エンジンのコレクタを作成して登録
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AllocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lot_allocation",
			Name:      "allocations_total",
			Help:      "Number of allocation requests by outcome.",
		}, []string{"outcome"}),
		ReservationConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lot_allocation",
			Name:      "reservation_conflicts_total",
			Help:      "Number of reservation writes that lost a race and returned a conflict.",
		}),
		ShortagesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lot_allocation",
			Name:      "shortages_detected_total",
			Help:      "Number of demands that could not be fully covered.",
		}),
		AllocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lot_allocation",
			Name:      "allocation_duration_seconds",
			Help:      "Duration of single-line allocation transactions.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.AllocationsTotal, m.ReservationConflicts, m.ShortagesDetected, m.AllocationDuration)
	}
	return m
}

// Allocation outcome labels
// 引当結果ラベル
const (
	OutcomeFull    = "full"
	OutcomePartial = "partial"
	OutcomeNone    = "none"
	OutcomeError   = "error"
)
