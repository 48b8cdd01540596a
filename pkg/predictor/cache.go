package predictor

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores output strings by cache key. Misses return ok=false.
type Cache interface {
	Get(ctx context.Context, key string) (outputs map[string]string, ok bool, err error)
	Set(ctx context.Context, key string, outputs map[string]string) error
	Close() error
}

// CacheKey identifies a prediction by model fingerprint and the input
// vector in feature order, so keys outside the input list never change it.
func CacheKey(fingerprint string, inputFeatures []string, features map[string]float64) string {
	h := sha256.New()
	var buf [8]byte
	for _, name := range inputFeatures {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(features[name]))
		h.Write(buf[:])
	}
	return "prediction:" + fingerprint + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}

// RedisCache keeps each prediction as a hash of output feature to decimal
// string.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(ctx context.Context, addr string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (map[string]string, bool, error) {
	vals, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, err
	}
	if len(vals) == 0 {
		return nil, false, nil
	}
	return vals, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, outputs map[string]string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields := make([]interface{}, 0, 2*len(outputs))
		for name, v := range outputs {
			fields = append(fields, name, v)
		}
		pipe.HSet(ctx, key, fields...)
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	return err
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

type nopCache struct{}

func (nopCache) Get(context.Context, string) (map[string]string, bool, error) { return nil, false, nil }
func (nopCache) Set(context.Context, string, map[string]string) error        { return nil }
func (nopCache) Close() error                                                 { return nil }

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = nopCache{}
)
