package predictor

import (
	"container/heap"
	"sync"
	"time"

	"github.com/kunal/graph-predictor/pkg/api"
)

// PendingRequest wraps a validated prediction with channels for the response.
type PendingRequest struct {
	ID        string
	Priority  int32
	Features  map[string]float64
	DoneCh    chan *api.PredictResponse
	ErrCh     chan error
	EnqueueAt time.Time

	seq   uint64 // arrival order, assigned by Enqueue
	index int    // used by heap
}

func newPending(req *api.PredictRequest) *PendingRequest {
	return &PendingRequest{
		ID:       req.RequestID,
		Priority: req.Priority,
		Features: req.Features,
		DoneCh:   make(chan *api.PredictResponse, 1),
		ErrCh:    make(chan error, 1),
	}
}

// PriorityQueue implements heap.Interface for PendingRequests.
// Higher priority requests are dequeued first. Within the same priority, FIFO.
type PriorityQueue struct {
	mu      sync.Mutex
	items   []*PendingRequest
	nextSeq uint64
}

func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{
		items: make([]*PendingRequest, 0, 64),
	}
	heap.Init(pq)
	return pq
}

// Enqueue adds a request to the priority queue (thread-safe).
func (pq *PriorityQueue) Enqueue(req *PendingRequest) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	req.seq = pq.nextSeq
	pq.nextSeq++
	if req.EnqueueAt.IsZero() {
		req.EnqueueAt = time.Now()
	}
	heap.Push(pq, req)
}

// DequeueN removes up to n highest-priority requests (thread-safe).
func (pq *PriorityQueue) DequeueN(n int) []*PendingRequest {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.items) == 0 {
		return nil
	}
	count := min(n, len(pq.items))
	result := make([]*PendingRequest, 0, count)
	for i := 0; i < count; i++ {
		result = append(result, heap.Pop(pq).(*PendingRequest))
	}
	return result
}

// Depth returns current queue depth (thread-safe).
func (pq *PriorityQueue) Depth() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.items)
}

// --- heap.Interface implementation (not thread-safe, use Enqueue/DequeueN) ---

func (pq *PriorityQueue) Len() int { return len(pq.items) }

func (pq *PriorityQueue) Less(i, j int) bool {
	if pq.items[i].Priority != pq.items[j].Priority {
		return pq.items[i].Priority > pq.items[j].Priority
	}
	return pq.items[i].seq < pq.items[j].seq
}

func (pq *PriorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	item := x.(*PendingRequest)
	item.index = len(pq.items)
	pq.items = append(pq.items, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	pq.items = old[:n-1]
	return item
}
