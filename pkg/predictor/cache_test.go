package predictor

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKey(t *testing.T) {
	inputs := []string{"feature_1", "feature_2"}
	base := CacheKey("abc", inputs, map[string]float64{"feature_1": 1, "feature_2": 2})

	assert.Equal(t, base, CacheKey("abc", inputs, map[string]float64{"feature_2": 2, "feature_1": 1, "note": 9}),
		"keys outside the input list must not change the key")
	assert.NotEqual(t, base, CacheKey("abc", inputs, map[string]float64{"feature_1": 2, "feature_2": 1}))
	assert.NotEqual(t, base, CacheKey("def", inputs, map[string]float64{"feature_1": 1, "feature_2": 2}))
	assert.Contains(t, base, "prediction:abc:")
}

func TestNewRedisCacheUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = NewRedisCache(ctx, addr, 0, time.Minute)
	assert.Error(t, err)
}

// memCache is an in-process Cache for server tests.
type memCache struct {
	mu     sync.Mutex
	data   map[string]map[string]string
	closed bool
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string]map[string]string)}
}

func (c *memCache) Get(_ context.Context, key string) (map[string]string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, outputs map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = outputs
	return nil
}

func (c *memCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *memCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
