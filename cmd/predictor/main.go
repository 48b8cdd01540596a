package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/kunal/graph-predictor/pkg/config"
	"github.com/kunal/graph-predictor/pkg/logging"
	"github.com/kunal/graph-predictor/pkg/predictor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Infof("⚡ Predictor %s starting on port %d", cfg.WorkerID, cfg.PredictorPort)
	log.Infof("   HTTP on port %d", cfg.MetricsPort)
	log.Infof("   Model: graph=%s checkpoint=%s", cfg.Model.GraphFile, cfg.Model.CheckpointPrefix)
	log.Infof("   Batch: max_size=%d, max_wait=%v", cfg.MaxBatchSize, cfg.MaxWaitTime)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := predictor.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("❌ Failed to create predictor: %v", err)
	}
	p.Start()

	grpcServer := grpc.NewServer()
	p.RegisterGRPC(grpcServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.PredictorPort))
	if err != nil {
		log.Fatalf("❌ Failed to listen on port %d: %v", cfg.PredictorPort, err)
	}

	mux := http.NewServeMux()
	p.RegisterHTTP(mux)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("🚀 gRPC server listening on %s", lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Infof("📊 HTTP endpoints on %s (/v1/predict, /ws, /metrics)", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Infof("🛑 Shutting down predictor...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("❌ Server failed: %v", err)
	}
	if err := p.Stop(); err != nil {
		log.Errorf("❌ Release failed: %v", err)
	}
	log.Infof("✅ Predictor stopped")
}
