package queue

import (
	"context"
	"time"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/logger"
)

// Promoter periodically moves due delayed jobs (scheduled work and backoff
// retries) into the waiting set. The move itself is a Lua script, so any
// number of promoter instances can run concurrently without double-promoting.
type Promoter struct {
	store    *Store
	queues   []string
	interval time.Duration
}

// NewPromoter builds a promoter over the given queues. An interval of zero
// defaults to 500ms.
func NewPromoter(store *Store, queues []string, interval time.Duration) *Promoter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Promoter{store: store, queues: queues, interval: interval}
}

// Run blocks until the context is cancelled, checking for due jobs every
// interval.
func (p *Promoter) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range p.queues {
				if _, err := p.store.PromoteDue(ctx, q); err != nil {
					logger.Log.Error().Err(err).Str("queue", q).Msg("Promoter error")
				}
			}
		}
	}
}
