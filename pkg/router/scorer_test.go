package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kunal/graph-predictor/pkg/api"
)

func TestScore(t *testing.T) {
	idle := &api.WorkerMetrics{Healthy: true}
	busy := &api.WorkerMetrics{Healthy: true, QueueDepth: 10, AvgLatencyMs: 4}
	failing := &api.WorkerMetrics{Healthy: true, TotalRequests: 10, TotalErrors: 5}

	assert.Equal(t, 100.0, Score(idle))
	assert.Equal(t, 78.0, Score(busy))
	assert.Equal(t, 50.0, Score(failing))
	assert.Equal(t, -1000.0, Score(&api.WorkerMetrics{Healthy: false}))
	assert.Equal(t, -1000.0, Score(nil))
}

func TestPickWeighted(t *testing.T) {
	candidates := func() []scored {
		return []scored{
			{worker: WorkerEntry{Address: "c"}, score: 10},
			{worker: WorkerEntry{Address: "a"}, score: 30},
			{worker: WorkerEntry{Address: "d"}, score: 0},
			{worker: WorkerEntry{Address: "b"}, score: 20},
		}
	}
	// Weights over the top three are a=21, b=11, c=1.
	assert.Equal(t, "a", pickWeighted(candidates(), 0).Address)
	assert.Equal(t, "a", pickWeighted(candidates(), 20.0/33).Address)
	assert.Equal(t, "b", pickWeighted(candidates(), 22.0/33).Address)
	assert.Equal(t, "c", pickWeighted(candidates(), 32.5/33).Address)

	for u := 0.0; u < 1; u += 0.01 {
		assert.NotEqual(t, "d", pickWeighted(candidates(), u).Address, "only the top three are eligible")
	}

	single := []scored{{worker: WorkerEntry{Address: "only"}, score: -5}}
	assert.Equal(t, "only", pickWeighted(single, 0.7).Address)
}
