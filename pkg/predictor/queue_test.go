package predictor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kunal/graph-predictor/pkg/api"
)

func ids(batch []*PendingRequest) []string {
	out := make([]string, len(batch))
	for i, r := range batch {
		out[i] = r.ID
	}
	return out
}

func TestPriorityQueueOrder(t *testing.T) {
	pq := NewPriorityQueue()
	for _, r := range []struct {
		id       string
		priority int32
	}{
		{"low-1", 0}, {"high-1", 2}, {"low-2", 0}, {"mid-1", 1}, {"high-2", 2}, {"low-3", 0},
	} {
		pq.Enqueue(newPending(&api.PredictRequest{RequestID: r.id, Priority: r.priority}))
	}
	assert.Equal(t, 6, pq.Depth())

	assert.Equal(t, []string{"high-1", "high-2", "mid-1"}, ids(pq.DequeueN(3)))
	assert.Equal(t, []string{"low-1", "low-2", "low-3"}, ids(pq.DequeueN(10)))
	assert.Nil(t, pq.DequeueN(1))
	assert.Zero(t, pq.Depth())
}

func TestPriorityQueueStampsArrival(t *testing.T) {
	pq := NewPriorityQueue()
	r := newPending(&api.PredictRequest{RequestID: "a"})
	pq.Enqueue(r)
	assert.False(t, r.EnqueueAt.IsZero())
}
