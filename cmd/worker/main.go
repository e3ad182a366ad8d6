package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/histq/histq/internal/catalog"
	"github.com/histq/histq/internal/dedup"
	"github.com/histq/histq/internal/engine"
	"github.com/histq/histq/internal/executor"
	"github.com/histq/histq/internal/history"
	"github.com/histq/histq/internal/job"
	"github.com/histq/histq/internal/notify"
	"github.com/histq/histq/internal/queue"
	"github.com/histq/histq/internal/worker"
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
	guard := dedup.NewGuard(q, 0)
	exec := executor.New(guard, eng, hist)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", time.Now().Unix())
	}

	w := worker.NewWorker(workerID, q, workerQueues()...)
	w.RegisterHandler(job.TypeStoreSnapshot, exec.Handler())
	w.RegisterHandler(job.TypeExecuteQuery, engine.ExecutionHandler(eng, cat, engine.NewSQLRunner()))

	w.SetFailureNotifier(notify.NewEmailNotifier(
		os.Getenv("EMAIL_API_KEY"),
		os.Getenv("FROM_NAME"),
		os.Getenv("FROM_ADDRESS"),
		os.Getenv("FAILURE_NOTIFY_ADDRESS"),
	))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down worker...")
	w.Stop()
}

func workerQueues() []string {
	raw := os.Getenv("WORKER_QUEUES")
	if raw == "" {
		return nil
	}

	var queues []string
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			queues = append(queues, name)
		}
	}
	return queues
}
