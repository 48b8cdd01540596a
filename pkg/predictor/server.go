// Package predictor serves a model adapter over gRPC, HTTP and websocket.
//
// Requests are validated, looked up in the optional prediction cache and
// then queued; a single batcher goroutine runs them through the adapter in
// micro-batches.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kunal/graph-predictor/pkg/api"
	"github.com/kunal/graph-predictor/pkg/config"
	"github.com/kunal/graph-predictor/pkg/executor"
	"github.com/kunal/graph-predictor/pkg/model"
)

// ErrStopped is returned for requests arriving after Stop.
var ErrStopped = errors.New("predictor stopped")

const cacheTimeout = 50 * time.Millisecond

// Server is the predictor service.
type Server struct {
	workerID string
	model    Model
	cache    Cache
	queue    *PriorityQueue
	batcher  *Batcher
	metrics  *MetricsCollector
	log      *zap.SugaredLogger

	mu       sync.RWMutex // guards stopped against in-progress enqueues
	stopped  bool
	stopOnce sync.Once
	stopErr  error
}

var _ api.PredictorServer = (*Server)(nil)

// New loads the configured model on the build's default backend and
// connects the Redis cache when one is configured.
func New(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*Server, error) {
	return newWithBackend(ctx, cfg, newBackend(), logger)
}

func newWithBackend(ctx context.Context, cfg *config.Config, backend executor.Backend, logger *zap.SugaredLogger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger.Infof("🔧 Backend: %s", backend.Name())

	m, err := model.New(backend, cfg.Model, logger)
	if err != nil {
		return nil, err
	}

	var cache Cache = nopCache{}
	if cfg.RedisAddr != "" {
		rc, err := NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.CacheTTL)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("connect prediction cache: %w", err), m.Close())
		}
		logger.Infof("🗄️  Prediction cache: redis=%s db=%d ttl=%v", cfg.RedisAddr, cfg.RedisDB, cfg.CacheTTL)
		cache = rc
	}
	return NewServer(cfg, m, cache, logger), nil
}

// NewServer wires an already loaded model. A nil cache disables caching.
func NewServer(cfg *config.Config, m Model, cache Cache, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cache == nil {
		cache = nopCache{}
	}
	queue := NewPriorityQueue()
	batcher := NewBatcher(BatcherConfig{
		MaxBatchSize: cfg.MaxBatchSize,
		MaxWaitTime:  cfg.MaxWaitTime,
	}, queue, m, logger)

	return &Server{
		workerID: cfg.WorkerID,
		model:    m,
		cache:    cache,
		queue:    queue,
		batcher:  batcher,
		metrics:  NewMetricsCollector(cfg.WorkerID, batcher, queue, m),
		log:      logger,
	}
}

// RegisterGRPC registers the Predictor service.
func (s *Server) RegisterGRPC(r grpc.ServiceRegistrar) {
	api.RegisterPredictorServer(r, s)
}

// Start starts the micro-batching engine.
func (s *Server) Start() {
	s.batcher.Start()
}

// Stop rejects new requests, answers everything already queued and then
// releases the model and cache.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.metrics.unavailable.Store(true)

		s.batcher.Stop()
		s.stopErr = errors.Join(s.model.Close(), s.cache.Close())
	})
	return s.stopErr
}

// Metrics returns the current worker metrics.
func (s *Server) Metrics() *api.WorkerMetrics {
	return s.metrics.GetMetrics()
}

// Submit validates req, serves it from cache when possible and otherwise
// waits for the batcher.
func (s *Server) Submit(ctx context.Context, req *api.PredictRequest) (*api.PredictResponse, error) {
	start := time.Now()
	if err := s.model.Validate(req.Features); err != nil {
		s.metrics.rejected.Add(1)
		return nil, err
	}

	key := CacheKey(s.model.Fingerprint(), s.model.InputFeatures(), req.Features)
	if resp := s.lookup(ctx, key, req.RequestID); resp != nil {
		resp.LatencyNs = time.Since(start).Nanoseconds()
		return resp, nil
	}

	pending := newPending(req)
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return nil, ErrStopped
	}
	s.queue.Enqueue(pending)
	s.mu.RUnlock()
	s.batcher.Signal()

	s.metrics.IncrInFlight()
	defer s.metrics.DecrInFlight()

	select {
	case resp := <-pending.DoneCh:
		resp.WorkerID = s.workerID
		s.store(ctx, key, resp.Outputs)
		return resp, nil
	case err := <-pending.ErrCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) lookup(ctx context.Context, key, requestID string) *api.PredictResponse {
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	outputs, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warnf("⚠️  Cache lookup failed: %v", err)
		return nil
	}
	if !ok {
		return nil
	}
	s.metrics.cacheHits.Add(1)
	return &api.PredictResponse{
		RequestID: requestID,
		Outputs:   outputs,
		WorkerID:  s.workerID,
		Cached:    true,
	}
}

func (s *Server) store(ctx context.Context, key string, outputs map[string]string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheTimeout)
	defer cancel()
	if err := s.cache.Set(ctx, key, outputs); err != nil {
		s.log.Warnf("⚠️  Cache store failed: %v", err)
	}
}

// Predict handles a prediction request via gRPC.
func (s *Server) Predict(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := api.ParsePredictRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := s.Submit(ctx, req)
	if err != nil {
		return nil, grpcError(err)
	}
	out, err := resp.Struct()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// GetMetrics returns queue, batch and cache metrics.
func (s *Server) GetMetrics(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.metrics.GetMetrics().Struct(), nil
}

// grpcError maps adapter error kinds onto status codes.
func grpcError(err error) error {
	switch {
	case errors.Is(err, model.ErrMissingFeature):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrStopped), errors.Is(err, model.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
