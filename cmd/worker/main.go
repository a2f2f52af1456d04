// Package main runs the job worker process: one pool per queue, the
// delayed-job promoter, and a Prometheus metrics endpoint.
//
// Pools and their concurrency:
//   - documents: 5 (a user is waiting on upload; indexing parallelizes)
//   - subscriptions: 2
//   - email: 1, additionally throttled to 1 dispatch per 2 seconds to
//     respect the marketing provider's rate limit
//
// The process drains gracefully on SIGINT/SIGTERM: claiming stops,
// in-flight jobs finish, then the Redis connection is released.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/billing"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/config"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/jobs"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/logger"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/processors"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/queue"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/report"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/store"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/worker"
)

// queueDepth tracks the number of jobs per queue and state, updated by a
// collector goroutine every 5 seconds.
var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "jobqueue_queue_depth",
	Help: "Number of jobs in each queue by state",
}, []string{"queue", "state"})

func main() {
	cfg := config.Load()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	registry := queue.NewRegistry(rdb)
	reporter := report.LogReporter{}

	subs := store.NewSubscriptionStore(rdb)
	docs := store.NewDocumentStore(rdb)
	catalog := billing.NewCatalog(cfg.PriceIDStarter, cfg.PriceIDPro, cfg.PriceIDBusiness)
	provider := billing.NewStripeProvider(cfg.StripeSecretKey)
	engine := billing.NewEngine(provider, subs, catalog, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)

	indexer := processors.NewFileSearchClient(cfg.FileSearchBaseURL, cfg.FileSearchAPIKey)
	fetcher := processors.NewHTTPFetcher()
	audience := processors.NewResendAudience(cfg.ResendAPIKey, cfg.ResendAudienceID)

	documentPool := worker.New(worker.Config{
		Queue:       registry.Queue(jobs.QueueDocuments),
		Concurrency: cfg.DocumentConcurrency,
		Reporter:    reporter,
	})
	documentPool.Handle(jobs.JobIndexDocument, processors.NewIndexDocument(docs, indexer, fetcher))

	subscriptionPool := worker.New(worker.Config{
		Queue:       registry.Queue(jobs.QueueSubscriptions),
		Concurrency: cfg.SubscriptionConcurrency,
		Reporter:    reporter,
	})
	subscriptionPool.Handle(jobs.JobSubscriptionSync, processors.NewSubscriptionSync(engine))

	emailPool := worker.New(worker.Config{
		Queue:       registry.Queue(jobs.QueueEmail),
		Concurrency: cfg.EmailConcurrency,
		// 1 dispatch per 2 seconds, shared across every worker process.
		Throttle: queue.NewRateLimiter(rdb, "ratelimit:email", 0.5, 1),
		Reporter: reporter,
	})
	emailPool.Handle(jobs.JobMarketingAdd, processors.NewMarketingAdd(audience))
	emailPool.Handle(jobs.JobMarketingRemove, processors.NewMarketingRemove(audience))

	ctx, cancel := context.WithCancel(context.Background())

	// Metrics server
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			logger.Log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("Shutting down worker, draining in-flight jobs...")
		cancel()
	}()

	promoter := queue.NewPromoter(registry.Store(), []string{
		jobs.QueueDocuments, jobs.QueueSubscriptions, jobs.QueueEmail,
	}, 0)
	go promoter.Run(ctx)
	go collectQueueMetrics(ctx, registry.Store())

	logger.Log.Info().Msg("Worker started. Waiting for jobs...")

	g := new(errgroup.Group)
	g.Go(func() error { return documentPool.Run(ctx) })
	g.Go(func() error { return subscriptionPool.Run(ctx) })
	g.Go(func() error { return emailPool.Run(ctx) })
	_ = g.Wait()

	if err := rdb.Close(); err != nil {
		logger.Log.Error().Err(err).Msg("Error closing Redis connection")
	}
	logger.Log.Info().Msg("Worker stopped")
}

// collectQueueMetrics periodically reads queue depths into the gauge.
func collectQueueMetrics(ctx context.Context, s *queue.Store) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	names := []string{jobs.QueueDocuments, jobs.QueueSubscriptions, jobs.QueueEmail}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range names {
				depths, err := s.Depths(ctx, name)
				if err != nil {
					continue
				}
				for state, depth := range depths {
					queueDepth.WithLabelValues(name, string(state)).Set(float64(depth))
				}
			}
		}
	}
}
