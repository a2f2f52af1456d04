package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/logger"
)

// CronScheduler registers recurring enqueue rules. Upserting the same
// scheduler id replaces the previous rule instead of adding a second one,
// so registration is safe to repeat on every process boot.
//
// Cross-process safety comes from the store's dedup: every firing enqueues
// with a dedup id derived from the scheduler id and the tick's scheduled
// activation time. Instances running the same rule compute the same
// activation times from the pattern, so skewed wall clocks still agree on
// the key and one job per tick survives the dedup.
type CronScheduler struct {
	reg  *Registry
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewCronScheduler builds a scheduler feeding the given registry.
func NewCronScheduler(reg *Registry) *CronScheduler {
	return &CronScheduler{
		reg:     reg,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// ScheduleRecurring upserts a recurring rule: on every cron fire a job is
// enqueued on queueName with the given name and template payload. Calling
// again with the same schedulerID replaces the rule.
func (s *CronScheduler) ScheduleRecurring(queueName, schedulerID, cronPattern, jobName string, template any) error {
	// Validate the template up front so a bad rule fails at registration,
	// not on first fire.
	if _, err := json.Marshal(template); err != nil {
		return errors.Wrap(err, "marshal job template")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var entryID cron.EntryID
	entryID, err := s.cron.AddFunc(cronPattern, func() {
		ctx := context.Background()

		// Prev is the activation time the run loop fired this tick for.
		// Jobs run in their own goroutines, so the snapshot read does not
		// block the loop.
		s.mu.Lock()
		id := entryID
		s.mu.Unlock()
		fire := s.cron.Entry(id).Prev
		if fire.IsZero() {
			fire = time.Now()
		}

		dedup := schedulerID + "@" + fire.UTC().Format(time.RFC3339)
		q := s.reg.Queue(queueName)
		if _, err := q.Enqueue(ctx, jobName, template, EnqueueOptions{DedupID: dedup}); err != nil {
			logger.Log.Error().Err(err).
				Str("scheduler_id", schedulerID).
				Str("queue", queueName).
				Msg("Failed to enqueue scheduled job")
			return
		}
		logger.Log.Info().
			Str("scheduler_id", schedulerID).
			Str("queue", queueName).
			Str("job", jobName).
			Msg("Scheduled job enqueued")
	})
	if err != nil {
		return errors.Wrapf(err, "invalid cron pattern %q", cronPattern)
	}

	if old, ok := s.entries[schedulerID]; ok {
		s.cron.Remove(old)
	}
	s.entries[schedulerID] = entryID
	return nil
}

// Rules returns the number of registered recurring rules.
func (s *CronScheduler) Rules() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins firing rules in a background goroutine.
func (s *CronScheduler) Start() { s.cron.Start() }

// Stop halts firing. Already-running enqueues finish.
func (s *CronScheduler) Stop() { s.cron.Stop() }
