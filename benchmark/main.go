// Package main is a quick throughput probe for the queue store: it floods
// a queue with jobs, then drains them, and reports both rates.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/queue"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6379", "Redis address")
	count := flag.Int("n", 10000, "number of jobs")
	flag.Parse()

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: *addr})
	registry := queue.NewRegistry(rdb)
	q := registry.Queue("bench")

	type benchPayload struct {
		N int `json:"n"`
	}

	start := time.Now()
	for i := 0; i < *count; i++ {
		if _, err := q.Enqueue(ctx, "bench-job", benchPayload{N: i}, queue.EnqueueOptions{}); err != nil {
			fmt.Println("enqueue error:", err)
			return
		}
	}
	enqueueDur := time.Since(start)
	fmt.Printf("enqueued %d jobs in %v (%.0f/s)\n", *count, enqueueDur, float64(*count)/enqueueDur.Seconds())

	store := registry.Store()
	start = time.Now()
	claimed := 0
	for {
		job, err := store.Claim(ctx, "bench")
		if err == queue.ErrEmpty {
			break
		}
		if err != nil {
			fmt.Println("claim error:", err)
			return
		}
		if err := store.Complete(ctx, job, nil); err != nil {
			fmt.Println("complete error:", err)
			return
		}
		claimed++
	}
	drainDur := time.Since(start)
	fmt.Printf("drained %d jobs in %v (%.0f/s)\n", claimed, drainDur, float64(claimed)/drainDur.Seconds())
}
