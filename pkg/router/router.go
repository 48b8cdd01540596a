// Package router load-balances predictions across predictor replicas.
package router

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kunal/graph-predictor/pkg/api"
	"github.com/kunal/graph-predictor/pkg/config"
)

//go:embed dashboard/*
var dashboardFS embed.FS

const (
	maxAttempts       = 3
	broadcastInterval = 500 * time.Millisecond
)

// Router is the main routing service.
type Router struct {
	cfg         *config.Config
	registry    *Registry
	poller      *Poller
	broadcaster *Broadcaster
	log         *zap.SugaredLogger
	stopCh      chan struct{}
	stopOnce    sync.Once

	// Routing stats
	routingDistribution map[string]*atomic.Int64
	totalRequests       atomic.Int64
	failedRequests      atomic.Int64
}

var _ api.PredictorServer = (*Router)(nil)

// New creates a Router and connects to every configured predictor. Dial
// options are passed through to the registry.
func New(cfg *config.Config, logger *zap.SugaredLogger, opts ...grpc.DialOption) (*Router, error) {
	if len(cfg.WorkerEndpoints) == 0 {
		return nil, fmt.Errorf("no predictor endpoints configured (set WORKER_ENDPOINTS)")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	registry := NewRegistry(cfg.WorkerEndpoints, logger)
	r := &Router{
		cfg:                 cfg,
		registry:            registry,
		broadcaster:         NewBroadcaster(logger),
		log:                 logger,
		stopCh:              make(chan struct{}),
		routingDistribution: make(map[string]*atomic.Int64),
	}
	for _, addr := range cfg.WorkerEndpoints {
		r.routingDistribution[addr] = &atomic.Int64{}
	}

	if err := registry.Connect(opts...); err != nil {
		return nil, fmt.Errorf("failed to connect to predictors: %w", err)
	}
	r.poller = NewPoller(registry, cfg.PollInterval, logger)
	return r, nil
}

// RegisterGRPC registers the router as a Predictor service.
func (r *Router) RegisterGRPC(s grpc.ServiceRegistrar) {
	api.RegisterPredictorServer(s, r)
}

// RegisterHTTP registers the dashboard and WebSocket endpoints.
func (r *Router) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/ws", r.broadcaster.HandleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		if len(r.registry.GetHealthy()) == 0 {
			http.Error(w, "no healthy predictors", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	dashContent, err := fs.Sub(dashboardFS, "dashboard")
	if err != nil {
		r.log.Warnf("⚠️  Dashboard files not found, skipping")
		return
	}
	mux.Handle("/", http.FileServer(http.FS(dashContent)))
}

// StartPoller starts the metrics polling loop and the dashboard broadcast.
func (r *Router) StartPoller() {
	r.poller.Start()

	go func() {
		ticker := time.NewTicker(broadcastInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.broadcaster.Broadcast(r.State())
			}
		}
	}()
}

// Stop shuts down the router.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.poller.Stop()
		r.registry.Close()
	})
}

// Predict routes a prediction to the best available predictor. Requests the
// predictor rejects as invalid are returned without retrying.
func (r *Router) Predict(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r.totalRequests.Add(1)

	var lastErr error
	tried := make(map[string]bool, maxAttempts)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		worker := r.pickBestWorker(tried)
		if worker == nil {
			break
		}
		tried[worker.Address] = true

		resp, err := worker.Client.PredictStruct(ctx, in)
		if err == nil {
			if counter, ok := r.routingDistribution[worker.Address]; ok {
				counter.Add(1)
			}
			return resp, nil
		}

		if !retryable(ctx, err) {
			r.failedRequests.Add(1)
			return nil, err
		}
		r.log.Warnf("⚠️  Predictor %s failed (attempt %d): %v", worker.Address, attempt+1, err)
		r.registry.MarkFailed(worker.Address)
		lastErr = err
	}

	r.failedRequests.Add(1)
	if lastErr == nil {
		return nil, status.Error(codes.Unavailable, "no healthy predictors available")
	}
	return nil, status.Errorf(codes.Unavailable, "all predictors failed: %v", lastErr)
}

// retryable reports whether another predictor might succeed where this one
// failed.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.Canceled, codes.DeadlineExceeded:
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// GetMetrics aggregates the predictors' last polled metrics.
func (r *Router) GetMetrics(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	agg := &api.WorkerMetrics{WorkerID: "router"}
	var latencySum float64
	var healthy int
	for _, w := range r.registry.GetAll() {
		m := w.Metrics
		if m == nil || !w.Healthy {
			continue
		}
		healthy++
		agg.QueueDepth += m.QueueDepth
		agg.TotalBatches += m.TotalBatches
		agg.TotalRequests += m.TotalRequests
		agg.TotalErrors += m.TotalErrors
		agg.CacheHits += m.CacheHits
		latencySum += m.AvgLatencyMs
		if agg.Backend == "" {
			agg.Backend = m.Backend
			agg.Fingerprint = m.Fingerprint
		}
	}
	if healthy > 0 {
		agg.AvgLatencyMs = latencySum / float64(healthy)
		agg.Healthy = true
	}
	return agg.Struct(), nil
}

type scored struct {
	worker WorkerEntry
	score  float64
}

// pickBestWorker selects among the top-3 healthy predictors by weighted
// random choice, skipping those already tried for this request.
func (r *Router) pickBestWorker(skip map[string]bool) *WorkerEntry {
	healthy := r.registry.GetHealthy()
	candidates := make([]scored, 0, len(healthy))
	for _, w := range healthy {
		if skip[w.Address] {
			continue
		}
		candidates = append(candidates, scored{worker: w, score: Score(w.Metrics)})
	}
	if len(candidates) == 0 {
		return nil
	}
	return pickWeighted(candidates, rand.Float64())
}

// pickWeighted takes the top three candidates by score and picks one with
// weight proportional to its lead over the third; u is uniform in [0,1).
func pickWeighted(candidates []scored, u float64) *WorkerEntry {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	topN := min(3, len(candidates))
	top := candidates[:topN]

	// Shift scores to be positive (min score becomes 1)
	minScore := top[topN-1].score
	totalWeight := 0.0
	weights := make([]float64, topN)
	for i, c := range top {
		weights[i] = c.score - minScore + 1
		totalWeight += weights[i]
	}

	target := u * totalWeight
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if target <= cumulative {
			return &top[i].worker
		}
	}
	return &top[0].worker
}

// State snapshots the cluster for the dashboard.
func (r *Router) State() *ClusterState {
	workers := r.registry.GetAll()
	state := &ClusterState{
		Workers:             make([]WorkerState, 0, len(workers)),
		RoutingDistribution: make(map[string]int64, len(r.routingDistribution)),
		TotalRequests:       r.totalRequests.Load(),
		FailedRequests:      r.failedRequests.Load(),
	}

	for _, w := range workers {
		ws := WorkerState{
			Address: w.Address,
			Healthy: w.Healthy,
		}
		if m := w.Metrics; m != nil {
			ws.ID = m.WorkerID
			ws.Backend = m.Backend
			ws.Fingerprint = m.Fingerprint
			ws.Score = Score(m)
			ws.QueueDepth = m.QueueDepth
			ws.AvgLatencyMs = m.AvgLatencyMs
			ws.CurrentBatch = m.CurrentBatch
			ws.TotalRequests = m.TotalRequests
			ws.ErrorRate = m.ErrorRate()
			ws.CacheHits = m.CacheHits
		}
		state.Workers = append(state.Workers, ws)
	}

	for addr, counter := range r.routingDistribution {
		state.RoutingDistribution[addr] = counter.Load()
	}
	return state
}
