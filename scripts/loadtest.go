package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/kunal/graph-predictor/pkg/api"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "Router or predictor address")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	features := flag.String("features", "feature_1,feature_2", "Comma-separated input feature names")
	distinct := flag.Int("distinct", 0, "Draw inputs from this many fixed vectors (0 = always random), exercises the cache")
	flag.Parse()

	names := strings.Split(*features, ",")
	log.Printf("🚀 Load test starting: addr=%s, concurrency=%d, duration=%v, features=%v", *addr, *concurrency, *duration, names)

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	client := api.NewPredictorClient(conn)

	pool := make([]map[string]float64, *distinct)
	for i := range pool {
		pool[i] = randomFeatures(names)
	}

	var (
		totalRequests atomic.Int64
		totalErrors   atomic.Int64
		cachedHits    atomic.Int64
		mu            sync.Mutex
		latencies     []time.Duration
		workerDist    = make(map[string]int)
		errorDist     = make(map[string]int)
		batchSizes    = make(map[int32]int)
	)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			for seq := 0; ; seq++ {
				select {
				case <-ctx.Done():
					return
				default:
				}

				// 60% priority 0, 30% priority 1, 10% priority 2
				var pri int32
				switch r := rand.Intn(100); {
				case r < 60:
					pri = 0
				case r < 90:
					pri = 1
				default:
					pri = 2
				}

				feats := randomFeatures(names)
				if len(pool) > 0 {
					feats = pool[rand.Intn(len(pool))]
				}

				reqStart := time.Now()
				resp, err := client.Predict(ctx, &api.PredictRequest{
					RequestID: fmt.Sprintf("req-%d-%d", clientID, seq),
					Priority:  pri,
					Features:  feats,
				})
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					totalErrors.Add(1)
					mu.Lock()
					errorDist[status.Code(err).String()]++
					mu.Unlock()
					continue
				}

				elapsed := time.Since(reqStart)
				totalRequests.Add(1)
				if resp.Cached {
					cachedHits.Add(1)
				}

				mu.Lock()
				latencies = append(latencies, elapsed)
				workerDist[resp.WorkerID]++
				batchSizes[resp.BatchSize]++
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	total := totalRequests.Load()
	errors := totalErrors.Load()
	throughput := float64(total) / elapsed.Seconds()

	fmt.Println("\n" + "═══════════════════════════════════════════════════")
	fmt.Println("   🏁 LOAD TEST RESULTS")
	fmt.Println("═══════════════════════════════════════════════════")
	fmt.Printf("   Duration:      %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("   Concurrency:   %d\n", *concurrency)
	fmt.Printf("   Total Reqs:    %d\n", total)
	fmt.Printf("   Errors:        %d (%.1f%%)\n", errors, percent(errors, total+errors))
	fmt.Printf("   Cache hits:    %d (%.1f%%)\n", cachedHits.Load(), percent(cachedHits.Load(), total))
	fmt.Printf("   Throughput:    %.1f req/sec\n", throughput)
	fmt.Println()

	if len(latencies) > 0 {
		fmt.Println("   📊 Latency Percentiles:")
		fmt.Printf("      p50:  %v\n", latencies[len(latencies)*50/100])
		fmt.Printf("      p95:  %v\n", latencies[len(latencies)*95/100])
		fmt.Printf("      p99:  %v\n", latencies[len(latencies)*99/100])
		fmt.Printf("      max:  %v\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("   🎯 Routing Distribution:")
	for worker, count := range workerDist {
		fmt.Printf("      %s: %d (%.1f%%)\n", worker, count, percent(int64(count), total))
	}

	fmt.Println()
	fmt.Println("   📦 Batch Sizes:")
	sizes := make([]int32, 0, len(batchSizes))
	for size := range batchSizes {
		sizes = append(sizes, size)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	for _, size := range sizes {
		fmt.Printf("      %d: %d\n", size, batchSizes[size])
	}

	if len(errorDist) > 0 {
		fmt.Println()
		fmt.Println("   ❌ Errors by code:")
		for code, count := range errorDist {
			fmt.Printf("      %s: %d\n", code, count)
		}
	}
	fmt.Println("═══════════════════════════════════════════════════")
}

func randomFeatures(names []string) map[string]float64 {
	f := make(map[string]float64, len(names))
	for _, n := range names {
		f[strings.TrimSpace(n)] = rand.NormFloat64()
	}
	return f
}

func percent(n, of int64) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of) * 100
}
