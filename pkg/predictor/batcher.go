package predictor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kunal/graph-predictor/pkg/api"
)

// Model is the prediction surface the batcher drives. *model.Adapter
// satisfies it.
type Model interface {
	Validate(features map[string]float64) error
	PredictBatch(batch []map[string]float64) ([]map[string]decimal.Decimal, error)
	InputFeatures() []string
	Backend() string
	Fingerprint() string
	Close() error
}

// BatcherConfig holds tunable batching parameters.
type BatcherConfig struct {
	MaxBatchSize int
	MaxWaitTime  time.Duration
}

// Batcher implements the adaptive micro-batching engine.
// It collects requests from the priority queue and flushes them to the
// model when the batch is full or the wait expires. The batcher goroutine
// is the only caller of the model, which is what makes a non-thread-safe
// adapter safe to serve.
type Batcher struct {
	cfg    BatcherConfig
	queue  *PriorityQueue
	model  Model
	notify chan struct{} // signals new request arrival
	stopCh chan struct{}
	wg     sync.WaitGroup
	log    *zap.SugaredLogger

	// Adaptive state
	mu          sync.RWMutex
	currentWait time.Duration

	// Metrics (read by metrics collector)
	TotalBatches  atomic.Int64
	TotalRequests atomic.Int64
	TotalErrors   atomic.Int64
	LastBatchSize atomic.Int32
	AvgLatencyUs  atomic.Int64 // exponential moving average
}

func NewBatcher(cfg BatcherConfig, queue *PriorityQueue, m Model, logger *zap.SugaredLogger) *Batcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	return &Batcher{
		cfg:         cfg,
		queue:       queue,
		model:       m,
		notify:      make(chan struct{}, 256),
		stopCh:      make(chan struct{}),
		currentWait: cfg.MaxWaitTime,
		log:         logger,
	}
}

// Start begins the batching loop in a background goroutine.
func (b *Batcher) Start() {
	b.wg.Add(1)
	go b.loop()
	b.log.Infof("🔄 Batcher started: max_batch=%d, max_wait=%v, backend=%s",
		b.cfg.MaxBatchSize, b.cfg.MaxWaitTime, b.model.Backend())
}

// Stop drains the queue and waits for the loop to exit.
func (b *Batcher) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// Signal notifies the batcher that a new request has arrived.
func (b *Batcher) Signal() {
	select {
	case b.notify <- struct{}{}:
	default:
		// Non-blocking; the batcher picks it up on the next iteration.
	}
}

// Wait returns the current adaptive flush timeout.
func (b *Batcher) Wait() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentWait
}

// AvgLatency returns the moving average of batch latency.
func (b *Batcher) AvgLatency() time.Duration {
	return time.Duration(b.AvgLatencyUs.Load()) * time.Microsecond
}

func (b *Batcher) loop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.stopCh:
			b.drainRemaining()
			return
		case <-b.notify:
		}

		batch := b.collectBatch()
		if len(batch) == 0 {
			continue
		}
		b.executeBatch(batch)
	}
}

func (b *Batcher) collectBatch() []*PendingRequest {
	timer := time.NewTimer(b.Wait())
	defer timer.Stop()

	for {
		if b.queue.Depth() >= b.cfg.MaxBatchSize {
			return b.queue.DequeueN(b.cfg.MaxBatchSize)
		}

		select {
		case <-b.stopCh:
			return b.queue.DequeueN(b.cfg.MaxBatchSize)
		case <-timer.C:
			return b.queue.DequeueN(b.cfg.MaxBatchSize)
		case <-b.notify:
		}
	}
}

func (b *Batcher) executeBatch(batch []*PendingRequest) {
	batchSize := len(batch)
	start := time.Now()

	rows := make([]map[string]float64, batchSize)
	for i, r := range batch {
		rows[i] = r.Features
	}

	results, err := b.model.PredictBatch(rows)
	if err != nil && batchSize > 1 {
		// One bad row fails the whole pass; rerun row by row so the
		// others still get answers.
		b.log.Warnf("⚠️  Batch of %d failed, retrying rows individually: %v", batchSize, err)
		b.executeRows(batch, start)
		return
	}
	elapsed := time.Since(start)
	b.record(batchSize, elapsed)

	if err != nil {
		b.TotalErrors.Add(1)
		batch[0].ErrCh <- err
		return
	}

	b.log.Debugf("📦 Batch executed: size=%d, latency=%v", batchSize, elapsed)
	for i, r := range batch {
		r.DoneCh <- b.response(r, results[i], batchSize, start, elapsed)
	}
	b.adaptWait()
}

func (b *Batcher) executeRows(batch []*PendingRequest, start time.Time) {
	for _, r := range batch {
		results, err := b.model.PredictBatch([]map[string]float64{r.Features})
		if err != nil {
			b.TotalErrors.Add(1)
			r.ErrCh <- err
			continue
		}
		r.DoneCh <- b.response(r, results[0], 1, start, time.Since(start))
	}
	b.record(len(batch), time.Since(start))
	b.adaptWait()
}

func (b *Batcher) response(r *PendingRequest, outputs map[string]decimal.Decimal, size int, start time.Time, elapsed time.Duration) *api.PredictResponse {
	return &api.PredictResponse{
		RequestID:   r.ID,
		Outputs:     api.DecimalStrings(outputs),
		BatchSize:   int32(size),
		QueueWaitMs: start.Sub(r.EnqueueAt).Milliseconds(),
		LatencyNs:   elapsed.Nanoseconds(),
	}
}

func (b *Batcher) record(batchSize int, elapsed time.Duration) {
	b.TotalBatches.Add(1)
	b.TotalRequests.Add(int64(batchSize))
	b.LastBatchSize.Store(int32(batchSize))

	latencyUs := elapsed.Microseconds()
	oldAvg := b.AvgLatencyUs.Load()
	if oldAvg == 0 {
		b.AvgLatencyUs.Store(latencyUs)
	} else {
		// EMA with alpha=0.3
		b.AvgLatencyUs.Store(int64(float64(oldAvg)*0.7 + float64(latencyUs)*0.3))
	}
}

func (b *Batcher) adaptWait() {
	depth := b.queue.Depth()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case depth >= 2*b.cfg.MaxBatchSize:
		// High pressure: flush faster
		b.currentWait = b.cfg.MaxWaitTime / 4
	case depth == 0:
		// Idle: wait the full window so bursts coalesce
		b.currentWait = b.cfg.MaxWaitTime
	default:
		b.currentWait = b.cfg.MaxWaitTime / 2
	}
}

func (b *Batcher) drainRemaining() {
	for {
		batch := b.queue.DequeueN(b.cfg.MaxBatchSize)
		if len(batch) == 0 {
			return
		}
		b.executeBatch(batch)
	}
}
