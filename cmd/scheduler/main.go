package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/histq/histq/internal/catalog"
	"github.com/histq/histq/internal/dedup"
	"github.com/histq/histq/internal/engine"
	"github.com/histq/histq/internal/queue"
	"github.com/histq/histq/internal/scheduler"
)

// The scheduler binary is a singleton: run exactly one instance, or wrap its
// invocation in external mutual exclusion. Concurrent passes are not guarded
// here.
func main() {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	postgresDSN := os.Getenv("POSTGRES_DSN")
	if postgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	q, err := queue.NewQueue(redisAddr)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := q.Close(); err != nil {
			log.Printf("failed to close queue: %v", err)
		}
	}()

	cat, err := catalog.NewRepository(postgresDSN)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := cat.Close(); err != nil {
			log.Printf("failed to close catalog: %v", err)
		}
	}()

	results, err := engine.NewResultStore(postgresDSN)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := results.Close(); err != nil {
			log.Printf("failed to close result store: %v", err)
		}
	}()

	eng := engine.NewQueueEngine(q, results)
	guard := dedup.NewGuard(q, 0)

	sched := scheduler.New(cat, eng, guard, q.Client())
	sched.SetRefreshDisabled(os.Getenv("DISABLE_REFRESH") == "true")

	interval := refreshInterval()
	log.Printf("Scheduler starting, refresh interval %s", interval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := sched.RefreshOutdated(ctx); err != nil {
		log.Printf("Refresh pass failed: %v", err)
	}

	for {
		select {
		case <-ticker.C:
			if err := sched.RefreshOutdated(ctx); err != nil {
				log.Printf("Refresh pass failed: %v", err)
			}
		case <-sigChan:
			log.Println("Shutting down scheduler...")
			return
		}
	}
}

func refreshInterval() time.Duration {
	raw := os.Getenv("REFRESH_INTERVAL_SECONDS")
	if raw == "" {
		return time.Minute
	}

	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		log.Printf("Invalid REFRESH_INTERVAL_SECONDS %q, using default", raw)
		return time.Minute
	}
	return time.Duration(seconds) * time.Second
}
