package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/histq/histq/internal/api"
	"github.com/histq/histq/internal/catalog"
	"github.com/histq/histq/internal/dedup"
	"github.com/histq/histq/internal/engine"
	"github.com/histq/histq/internal/history"
	"github.com/histq/histq/internal/middleware"
	"github.com/histq/histq/internal/queue"
	"github.com/histq/histq/internal/store"
)

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

	hist, err := history.NewStore(postgresDSN)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := hist.Close(); err != nil {
			log.Printf("failed to close history store: %v", err)
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
	guard := dedup.NewGuard(q, lockExpiry())
	service := store.NewService(cat, eng, guard, hist, q)

	apiHandler := api.NewAPI(service, guard.Tracker(), nil)

	mux := http.NewServeMux()
	mux.Handle("/api/", middleware.MetricsMiddleware(apiHandler))
	mux.Handle("/metrics", promhttp.Handler())

	go startMetricsCollector(guard.Tracker(), eng.Tracker())

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on :%s", port)
	log.Printf("Connected to Redis at %s", redisAddr)

	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Fatal(err)
	}
}

func lockExpiry() time.Duration {
	raw := os.Getenv("JOB_EXPIRY_SECONDS")
	if raw == "" {
		return dedup.DefaultLockExpiry
	}

	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		log.Printf("Invalid JOB_EXPIRY_SECONDS %q, using default", raw)
		return dedup.DefaultLockExpiry
	}
	return time.Duration(seconds) * time.Second
}
