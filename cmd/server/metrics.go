package main

import (
	"context"
	"log"
	"time"

	"github.com/histq/histq/internal/metrics"
	"github.com/histq/histq/internal/tracker"
)

func startMetricsCollector(storeTracker, queryTracker *tracker.Tracker) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		updateTrackerGauges("store", storeTracker)
		updateTrackerGauges("query", queryTracker)
	}
}

func updateTrackerGauges(name string, t *tracker.Tracker) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, b := range []tracker.Bucket{tracker.BucketWaiting, tracker.BucketInProgress, tracker.BucketDone} {
		entries, err := t.All(ctx, b)
		if err != nil {
			log.Printf("Failed to list %s tracker bucket %s: %v", name, b, err)
			return
		}
		metrics.UpdateTrackerBucket(name, string(b), len(entries))
	}
}
