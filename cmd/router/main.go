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
	"github.com/kunal/graph-predictor/pkg/router"
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

	log.Infof("🧠 Router starting on port %d", cfg.RouterPort)
	log.Infof("   Dashboard on port %d", cfg.DashboardPort)
	log.Infof("   Predictors: %v", cfg.WorkerEndpoints)

	r, err := router.New(cfg, log)
	if err != nil {
		log.Fatalf("❌ Failed to create router: %v", err)
	}
	r.StartPoller()

	grpcServer := grpc.NewServer()
	r.RegisterGRPC(grpcServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.RouterPort))
	if err != nil {
		log.Fatalf("❌ Failed to listen on port %d: %v", cfg.RouterPort, err)
	}

	mux := http.NewServeMux()
	r.RegisterHTTP(mux)
	dashboard := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.DashboardPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("🚀 gRPC server listening on %s", lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Infof("📊 Dashboard listening on %s", dashboard.Addr)
		if err := dashboard.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Infof("🛑 Shutting down router...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return dashboard.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("❌ Server failed: %v", err)
	}
	r.Stop()
	log.Infof("✅ Router stopped")
}
