package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	queueSizeByType = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matchmaking_queue_size_by_type",
			Help: "Current queue size per session type",
		},
		[]string{"session_type"},
	)

	queueSizeByUrgency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matchmaking_queue_size_by_urgency",
			Help: "Current queue size per urgency level",
		},
		[]string{"urgency"},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchmaking_queue_operations_total",
			Help: "Total queue operations",
		},
		[]string{"operation", "status"},
	)

	matchWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matchmaking_match_wait_seconds",
			Help:    "Time matched users spent waiting in the queue",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
	)

	healthScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matchmaking_queue_health_score",
			Help: "Maintenance scheduler health score (0-100)",
		},
	)
)

type Monitor struct {
	redis *redis.Client

	// Index keys by label value, supplied by the key namespace owner.
	typeKeys    map[string]string
	urgencyKeys map[string]string
}

func NewMonitor(redisClient *redis.Client, typeKeys, urgencyKeys map[string]string) *Monitor {
	monitor := &Monitor{
		redis:       redisClient,
		typeKeys:    typeKeys,
		urgencyKeys: urgencyKeys,
	}

	// Start metrics collection
	go monitor.collectMetrics()

	return monitor
}

func (m *Monitor) collectMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.collectQueueMetrics(context.Background())
	}
}

func (m *Monitor) collectQueueMetrics(ctx context.Context) {
	for sessionType, key := range m.typeKeys {
		length, err := m.redis.LLen(ctx, key).Result()
		if err != nil {
			continue
		}
		queueSizeByType.WithLabelValues(sessionType).Set(float64(length))
	}

	for urgency, key := range m.urgencyKeys {
		length, err := m.redis.LLen(ctx, key).Result()
		if err != nil {
			continue
		}
		queueSizeByUrgency.WithLabelValues(urgency).Set(float64(length))
	}
}

// Track queue operations
func (m *Monitor) TrackQueueOperation(operation, status string) {
	queueOperations.WithLabelValues(operation, status).Inc()
}

// Track how long a matched user waited
func (m *Monitor) TrackMatchWait(wait time.Duration) {
	matchWaitSeconds.Observe(wait.Seconds())
}

// SetHealthScore records the latest maintenance health score
func (m *Monitor) SetHealthScore(score int) {
	healthScore.Set(float64(score))
}
