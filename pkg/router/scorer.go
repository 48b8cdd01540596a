package router

import "github.com/kunal/graph-predictor/pkg/api"

// Score calculates a routing score for a predictor from its metrics.
// Higher score = better candidate.
//
// Formula:
//   - 100 base
//   - queue_depth * 2          → longer queue = worse
//   - avg_latency_ms / 2       → slower batches = worse
//   - error_rate * 100         → failing predictor = worse
func Score(m *api.WorkerMetrics) float64 {
	if m == nil || !m.Healthy {
		return -1000
	}

	score := 100.0
	score -= float64(m.QueueDepth) * 2
	score -= m.AvgLatencyMs / 2
	score -= m.ErrorRate() * 100
	return score
}
