package router

import (
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kunal/graph-predictor/pkg/api"
)

// failThreshold is the number of consecutive failures that marks a
// predictor unhealthy until its next successful poll.
const failThreshold = 3

// WorkerEntry tracks a single predictor's state.
type WorkerEntry struct {
	Address   string
	Conn      *grpc.ClientConn
	Client    *api.PredictorClient
	Metrics   *api.WorkerMetrics
	FailCount int
	Healthy   bool
}

// Registry manages the set of known predictors. Getters return copies so
// callers never race with the poller.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*WorkerEntry // key: address
	order   []string
	log     *zap.SugaredLogger
}

func NewRegistry(addrs []string, logger *zap.SugaredLogger) *Registry {
	r := &Registry{
		workers: make(map[string]*WorkerEntry, len(addrs)),
		log:     logger,
	}
	for _, addr := range addrs {
		if _, dup := r.workers[addr]; dup {
			continue
		}
		r.order = append(r.order, addr)
		r.workers[addr] = &WorkerEntry{
			Address: addr,
			Healthy: true,
			Metrics: &api.WorkerMetrics{Healthy: true},
		}
	}
	return r
}

// Connect creates gRPC clients for all predictors. Extra options are
// appended after the insecure transport credentials.
func (r *Registry) Connect(opts ...grpc.DialOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	for _, addr := range r.order {
		entry := r.workers[addr]
		conn, err := grpc.NewClient(addr, opts...)
		if err != nil {
			r.log.Warnf("⚠️  Failed to connect to predictor %s: %v", addr, err)
			entry.Healthy = false
			continue
		}
		entry.Conn = conn
		entry.Client = api.NewPredictorClient(conn)
		r.log.Infof("✅ Connected to predictor %s", addr)
	}
	return nil
}

// GetHealthy returns healthy, connected predictors.
func (r *Registry) GetHealthy() []WorkerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]WorkerEntry, 0, len(r.order))
	for _, addr := range r.order {
		if w := r.workers[addr]; w.Healthy && w.Client != nil {
			result = append(result, *w)
		}
	}
	return result
}

// GetAll returns every predictor in configuration order.
func (r *Registry) GetAll() []WorkerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]WorkerEntry, 0, len(r.order))
	for _, addr := range r.order {
		result = append(result, *r.workers[addr])
	}
	return result
}

// UpdateMetrics stores the latest metrics for a predictor.
func (r *Registry) UpdateMetrics(addr string, m *api.WorkerMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[addr]; ok {
		if !w.Healthy && m.Healthy {
			r.log.Infof("💚 Predictor %s is healthy again", addr)
		}
		w.Metrics = m
		w.FailCount = 0
		w.Healthy = m.Healthy
	}
}

// MarkFailed increments the fail count for a predictor.
func (r *Registry) MarkFailed(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[addr]; ok {
		w.FailCount++
		if w.FailCount >= failThreshold && w.Healthy {
			w.Healthy = false
			r.log.Warnf("❌ Predictor %s marked UNHEALTHY (%d consecutive failures)", addr, w.FailCount)
		}
	}
}

// Close shuts down all gRPC connections.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.Conn != nil {
			w.Conn.Close()
		}
	}
}
