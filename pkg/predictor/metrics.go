package predictor

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/kunal/graph-predictor/pkg/api"
)

// MetricsCollector reports queue, batch and cache statistics.
type MetricsCollector struct {
	workerID string
	batcher  *Batcher
	queue    *PriorityQueue
	model    Model

	inFlight    atomic.Int32
	cacheHits   atomic.Int64
	rejected    atomic.Int64 // failed validation, never enqueued
	unavailable atomic.Bool
}

func NewMetricsCollector(workerID string, batcher *Batcher, queue *PriorityQueue, m Model) *MetricsCollector {
	return &MetricsCollector{
		workerID: workerID,
		batcher:  batcher,
		queue:    queue,
		model:    m,
	}
}

// GetMetrics snapshots the worker state.
func (mc *MetricsCollector) GetMetrics() *api.WorkerMetrics {
	return &api.WorkerMetrics{
		WorkerID:      mc.workerID,
		Backend:       mc.model.Backend(),
		Fingerprint:   mc.model.Fingerprint(),
		QueueDepth:    int32(mc.queue.Depth()),
		AvgLatencyMs:  float64(mc.batcher.AvgLatencyUs.Load()) / 1000,
		CurrentBatch:  mc.batcher.LastBatchSize.Load(),
		TotalBatches:  mc.batcher.TotalBatches.Load(),
		TotalRequests: mc.batcher.TotalRequests.Load() + mc.rejected.Load(),
		TotalErrors:   mc.batcher.TotalErrors.Load() + mc.rejected.Load(),
		CacheHits:     mc.cacheHits.Load(),
		Healthy:       !mc.unavailable.Load(),
	}
}

// IncrInFlight / DecrInFlight track requests waiting on the batcher.
func (mc *MetricsCollector) IncrInFlight() { mc.inFlight.Add(1) }
func (mc *MetricsCollector) DecrInFlight() { mc.inFlight.Add(-1) }

// ServePrometheus writes Prometheus-format metrics to HTTP response.
func (mc *MetricsCollector) ServePrometheus(w http.ResponseWriter, r *http.Request) {
	m := mc.GetMetrics()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP predictor_queue_depth Current queue depth\n")
	fmt.Fprintf(w, "# TYPE predictor_queue_depth gauge\n")
	fmt.Fprintf(w, "predictor_queue_depth{worker=\"%s\"} %d\n", m.WorkerID, m.QueueDepth)
	fmt.Fprintf(w, "# HELP predictor_in_flight Requests waiting for a result\n")
	fmt.Fprintf(w, "# TYPE predictor_in_flight gauge\n")
	fmt.Fprintf(w, "predictor_in_flight{worker=\"%s\"} %d\n", m.WorkerID, mc.inFlight.Load())
	fmt.Fprintf(w, "# HELP predictor_avg_latency_ms Average batch latency\n")
	fmt.Fprintf(w, "# TYPE predictor_avg_latency_ms gauge\n")
	fmt.Fprintf(w, "predictor_avg_latency_ms{worker=\"%s\"} %.3f\n", m.WorkerID, m.AvgLatencyMs)
	fmt.Fprintf(w, "# HELP predictor_batch_size Last batch size\n")
	fmt.Fprintf(w, "# TYPE predictor_batch_size gauge\n")
	fmt.Fprintf(w, "predictor_batch_size{worker=\"%s\"} %d\n", m.WorkerID, m.CurrentBatch)
	fmt.Fprintf(w, "# HELP predictor_total_batches Total batches processed\n")
	fmt.Fprintf(w, "# TYPE predictor_total_batches counter\n")
	fmt.Fprintf(w, "predictor_total_batches{worker=\"%s\"} %d\n", m.WorkerID, m.TotalBatches)
	fmt.Fprintf(w, "# HELP predictor_total_requests Total requests processed\n")
	fmt.Fprintf(w, "# TYPE predictor_total_requests counter\n")
	fmt.Fprintf(w, "predictor_total_requests{worker=\"%s\"} %d\n", m.WorkerID, m.TotalRequests)
	fmt.Fprintf(w, "# HELP predictor_total_errors Requests that failed\n")
	fmt.Fprintf(w, "# TYPE predictor_total_errors counter\n")
	fmt.Fprintf(w, "predictor_total_errors{worker=\"%s\"} %d\n", m.WorkerID, m.TotalErrors)
	fmt.Fprintf(w, "# HELP predictor_cache_hits Predictions served from cache\n")
	fmt.Fprintf(w, "# TYPE predictor_cache_hits counter\n")
	fmt.Fprintf(w, "predictor_cache_hits{worker=\"%s\"} %d\n", m.WorkerID, m.CacheHits)
	fmt.Fprintf(w, "# HELP predictor_healthy Whether the worker accepts predictions\n")
	fmt.Fprintf(w, "# TYPE predictor_healthy gauge\n")
	fmt.Fprintf(w, "predictor_healthy{worker=\"%s\",backend=\"%s\",fingerprint=\"%s\"} %d\n",
		m.WorkerID, m.Backend, m.Fingerprint, boolGauge(m.Healthy))
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}
