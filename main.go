package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edgecopilot/internal/agent"
	"edgecopilot/internal/api"
	"edgecopilot/internal/auth"
	"edgecopilot/internal/config"
	"edgecopilot/internal/metrics"
	"edgecopilot/internal/redis"
	"edgecopilot/internal/service/run"
	"edgecopilot/internal/storage"
	"edgecopilot/internal/worker"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("EDGECOPILOT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	executor, err := storage.NewExecutor(cfg.Trace)
	if err != nil {
		log.Fatalf("init trace storage: %v", err)
	}
	defer executor.Close()
	log.Printf("[main] trace driver: %s, database: %s", executor.Driver(), cfg.Trace.Database)

	// the run registry only backs /feedback; the service runs without it
	rdb, err := redis.Dial(cfg)
	if err != nil {
		log.Printf("[main] redis unavailable, feedback accepts any run id: %v", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}
	registry := redis.NewRunRegistry(rdb, time.Duration(cfg.Redis.RunTTL)*time.Minute)

	graph, err := agent.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init agent: %v", err)
	}
	defer graph.Close()

	b := cfg.BasicConfig
	dispatcher := worker.NewDispatcher(b.MinWorkers, b.MaxWorkers, b.QueueSize, time.Duration(b.WorkerIdleTimeout)*time.Minute)

	runs := run.NewService(cfg, graph, executor, dispatcher, registry)
	handlers := api.NewHandler(cfg, runs, auth.NewService(cfg.Auth), registry, executor)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	servers := []*http.Server{{Addr: b.ServerAddress, Handler: router}}
	if b.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, &http.Server{Addr: b.MetricsAddress, Handler: mux})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			log.Printf("[main] listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("[main] shutdown %s: %v", srv.Addr, err)
			}
		}
		// pending trace flushes get the rest of the grace period
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			log.Printf("[main] trace queue not drained: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
