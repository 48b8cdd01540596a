package predictor

import (
	"context"
	"errors"
	"math"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kunal/graph-predictor/pkg/api"
	"github.com/kunal/graph-predictor/pkg/config"
	"github.com/kunal/graph-predictor/pkg/executor/executortest"
	"github.com/kunal/graph-predictor/pkg/model"
)

// newTestServer starts a predictor over the affine stub with an identity
// checkpoint and bias (0.5, -0.25).
func newTestServer(t *testing.T, cache Cache, tweak func(*config.Config)) (*Server, *executortest.Backend) {
	t.Helper()
	return newBiasedServer(t, cache, t.TempDir(), []float64{0.5, -0.25}, tweak)
}

// newBiasedServer writes the linear graph into dir and restores an identity
// checkpoint with the given bias under dir/model.
func newBiasedServer(t *testing.T, cache Cache, dir string, bias []float64, tweak func(*config.Config)) (*Server, *executortest.Backend) {
	t.Helper()
	path, err := executortest.WriteLinearGraph(dir)
	require.NoError(t, err)

	backend := executortest.New()
	prefix := filepath.Join(dir, "model")
	backend.AddCheckpoint(prefix, executortest.Identity(bias...))

	cfg := config.Default()
	cfg.WorkerID = "predictor-test"
	cfg.MaxWaitTime = time.Millisecond
	cfg.Model.GraphFile = path
	cfg.Model.CheckpointPrefix = prefix
	if tweak != nil {
		tweak(cfg)
	}

	m, err := model.New(backend, cfg.Model, nil)
	require.NoError(t, err)

	s := NewServer(cfg, m, cache, nil)
	s.Start()
	t.Cleanup(func() { s.Stop() })
	return s, backend
}

func dialBufconn(t *testing.T, s *Server) *api.PredictorClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	s.RegisterGRPC(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return api.NewPredictorClient(conn)
}

var sample = map[string]float64{"feature_1": 1.0, "feature_2": 2.0}

func TestPredictOverGRPC(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	client := dialBufconn(t, s)

	resp, err := client.Predict(context.Background(), &api.PredictRequest{RequestID: "r-1", Features: sample})
	require.NoError(t, err)
	assert.Equal(t, "r-1", resp.RequestID)
	assert.Equal(t, "predictor-test", resp.WorkerID)
	assert.Equal(t, map[string]string{"output_1": "1.5", "output_2": "1.75"}, resp.Outputs)
	assert.Equal(t, int32(1), resp.BatchSize)
	assert.False(t, resp.Cached)

	m, err := client.GetMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "predictor-test", m.WorkerID)
	assert.Equal(t, "affine-stub", m.Backend)
	assert.Len(t, m.Fingerprint, 16)
	assert.Equal(t, int64(1), m.TotalRequests)
	assert.True(t, m.Healthy)
}

func TestPredictMissingFeatureIsInvalidArgument(t *testing.T) {
	s, backend := newTestServer(t, nil, nil)
	client := dialBufconn(t, s)

	_, err := client.Predict(context.Background(), &api.PredictRequest{
		Features: map[string]float64{"feature_1": 1.0},
	})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "feature_2")
	assert.Zero(t, backend.Runs.Load(), "validation happens before the queue")

	m := s.Metrics()
	assert.Equal(t, int64(1), m.TotalErrors)
}

func TestPredictNonNumericFeatureIsInvalidArgument(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	client := dialBufconn(t, s)

	in, err := (&api.PredictRequest{Features: sample}).Struct()
	require.NoError(t, err)
	in.Fields["features"].GetStructValue().Fields["feature_1"] = structpb.NewStringValue("1.0")
	_, err = client.PredictStruct(context.Background(), in)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPredictExecutionErrorIsInternal(t *testing.T) {
	s, backend := newTestServer(t, nil, nil)
	backend.RunErr = errors.New("device lost")
	client := dialBufconn(t, s)

	_, err := client.Predict(context.Background(), &api.PredictRequest{Features: sample})
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "device lost")
}

func TestConcurrentRequestsAreBatched(t *testing.T) {
	s, backend := newTestServer(t, nil, func(c *config.Config) {
		c.MaxBatchSize = 8
		c.MaxWaitTime = time.Second
	})

	var wg sync.WaitGroup
	results := make([]*api.PredictResponse, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Submit(context.Background(), &api.PredictRequest{
				Features: map[string]float64{"feature_1": float64(i), "feature_2": 1},
			})
		}(i)
	}
	wg.Wait()

	for i, resp := range results {
		require.NoError(t, errs[i])
		d, err := resp.Decimals()
		require.NoError(t, err)
		assert.Equal(t, float64(i)+0.5, d["output_1"].InexactFloat64())
		assert.Equal(t, "0.75", resp.Outputs["output_2"])
	}
	assert.Less(t, backend.Runs.Load(), int64(8), "requests should share forward passes")
}

func TestBadRowDoesNotFailItsBatch(t *testing.T) {
	s, _ := newTestServer(t, nil, func(c *config.Config) {
		c.MaxBatchSize = 2
		c.MaxWaitTime = time.Second
	})

	var wg sync.WaitGroup
	var good *api.PredictResponse
	var goodErr, badErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		good, goodErr = s.Submit(context.Background(), &api.PredictRequest{Features: sample})
	}()
	go func() {
		defer wg.Done()
		_, badErr = s.Submit(context.Background(), &api.PredictRequest{
			Features: map[string]float64{"feature_1": math.NaN(), "feature_2": 1},
		})
	}()
	wg.Wait()

	require.NoError(t, goodErr)
	assert.Equal(t, "1.5", good.Outputs["output_1"])
	assert.ErrorIs(t, badErr, model.ErrExecution)
}

func TestPredictUsesCache(t *testing.T) {
	cache := newMemCache()
	s, backend := newTestServer(t, cache, nil)

	first, err := s.Submit(context.Background(), &api.PredictRequest{Features: sample})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, cache.len())

	withExtra := map[string]float64{"feature_1": 1.0, "feature_2": 2.0, "unused": 3}
	second, err := s.Submit(context.Background(), &api.PredictRequest{RequestID: "again", Features: withExtra})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "again", second.RequestID)
	assert.Equal(t, first.Outputs, second.Outputs)
	assert.Equal(t, int64(1), backend.Runs.Load())
	assert.Equal(t, int64(1), s.Metrics().CacheHits)
}

func TestStopDrainsAndReleases(t *testing.T) {
	cache := newMemCache()
	s, _ := newTestServer(t, cache, nil)
	client := dialBufconn(t, s)

	require.NoError(t, s.Stop())
	assert.True(t, cache.closed)
	assert.False(t, s.Metrics().Healthy)

	_, err := client.Predict(context.Background(), &api.PredictRequest{Features: map[string]float64{"feature_1": 9, "feature_2": 9}})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	require.NoError(t, s.Stop(), "Stop is idempotent")
}

func TestSubmitHonoursContext(t *testing.T) {
	s, _ := newTestServer(t, nil, func(c *config.Config) {
		c.MaxBatchSize = 64
		c.MaxWaitTime = time.Second
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Submit(ctx, &api.PredictRequest{Features: sample})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(grpcError(err)))
}

func TestSharedCacheKeepsModelsApart(t *testing.T) {
	cache := newMemCache()
	dir := t.TempDir()
	first, _ := newBiasedServer(t, cache, dir, []float64{0.5, -0.25}, nil)
	second, _ := newBiasedServer(t, cache, dir, []float64{100, 200}, func(c *config.Config) {
		c.Model.OutputFeatures = []string{"churn", "ltv"}
	})

	resp, err := first.Submit(context.Background(), &api.PredictRequest{Features: sample})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"output_1": "1.5", "output_2": "1.75"}, resp.Outputs)

	resp, err = second.Submit(context.Background(), &api.PredictRequest{Features: sample})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, map[string]string{"churn": "101", "ltv": "202"}, resp.Outputs)
	assert.Equal(t, 2, cache.len())
}

func TestQueueWaitIsNotTruncated(t *testing.T) {
	b := NewBatcher(BatcherConfig{MaxBatchSize: 1}, NewPriorityQueue(), nil, zap.NewNop().Sugar())
	start := time.Now()
	r := &PendingRequest{ID: "old", EnqueueAt: start.Add(-30 * 24 * time.Hour)}

	resp := b.response(r, nil, 1, start, time.Millisecond)
	assert.Equal(t, (30 * 24 * time.Hour).Milliseconds(), resp.QueueWaitMs)
}

func TestNewFailsWhenCacheIsUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	dir := t.TempDir()
	path, err := executortest.WriteLinearGraph(dir)
	require.NoError(t, err)
	backend := executortest.New()
	prefix := filepath.Join(dir, "model")
	backend.AddCheckpoint(prefix, executortest.Identity(0, 0))

	cfg := config.Default()
	cfg.Model.GraphFile = path
	cfg.Model.CheckpointPrefix = prefix
	cfg.RedisAddr = addr

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := newWithBackend(ctx, cfg, backend, nil)
	assert.Nil(t, s)
	assert.ErrorContains(t, err, "connect prediction cache")
}
