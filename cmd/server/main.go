package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"campusfeed/internal/bus"
	"campusfeed/internal/clients"
	"campusfeed/internal/config"
	"campusfeed/internal/dispatch"
	internalhttp "campusfeed/internal/http"
	"campusfeed/internal/jobs"
	"campusfeed/internal/registry"
	"campusfeed/internal/repository"
	"campusfeed/internal/workflow"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store repository.Store
	if cfg.DatabaseURL != "" {
		pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connection failed: %v", err)
		}
		defer pool.Close()
		if err := repository.Migrate(ctx, pool); err != nil {
			log.Fatalf("db migration failed: %v", err)
		}
		store = repository.NewPostgres(pool)
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store")
		store = repository.NewMemory()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
	}

	var directory clients.Directory
	if cfg.DirectoryBaseURL != "" {
		directory = clients.NewHTTPDirectory(cfg.DirectoryBaseURL, cfg.DirectoryTimeout)
	} else {
		log.Printf("DIRECTORY_BASE_URL not set, leave approvals route to the faculty role")
		directory = clients.StaticDirectory{Fallback: "faculty"}
	}

	eventBus := bus.New(cfg.BusQueueSize)
	reg := registry.New(eventBus, cfg.ConnectionBuffer)
	dispatcher := dispatch.New(store, eventBus, directory, redisClient, dispatch.Options{
		QueueSize:       cfg.DispatchQueueSize,
		Workers:         cfg.DispatchWorkers,
		SnapshotTimeout: cfg.SnapshotTimeout,
		SnapshotLimit:   cfg.SnapshotLimit,
		DedupTTL:        cfg.DedupTTL,
	})
	dispatcher.Start()

	leave := workflow.NewLeave(store, dispatcher)
	routine := workflow.NewRoutine(store, dispatcher)

	server := internalhttp.NewServer(cfg, leave, routine, dispatcher, reg)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	jobs.StartRetentionJob(ctx, cfg, store)

	go func() {
		log.Printf("campusfeed http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	reg.CloseAll()
	dispatcher.Stop()
	eventBus.Close()
}
