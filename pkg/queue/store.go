// Package queue provides a Redis-backed durable job queue.
// It supports reliable at-least-once processing with:
//   - Atomic claim transitions via Lua scripts (safe across processes)
//   - Dedup by caller-supplied job id
//   - Priority ordering with enqueue-time tie-break
//   - Delayed/scheduled jobs promoted by a background loop
//   - Exponential backoff retries and terminal-failure retention
//   - Cron-style recurring rules with idempotent upsert
//
// The Store type is the low-level persistence layer; Queue and Registry are
// the per-domain facade on top of it.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/jobs"
)

// ErrEmpty is returned by Claim when no job is ready.
var ErrEmpty = errors.New("queue: no job available")

// ErrNotFound is returned when a job id has no record.
var ErrNotFound = errors.New("queue: job not found")

// Key layout per queue <n>:
//
//	q:<n>:seq          counter for FIFO tie-break within a priority
//	q:<n>:waiting      ZSET id -> priority<<33 | seq
//	q:<n>:delayed      ZSET id -> ready-at unix ms
//	q:<n>:active       SET of claimed ids
//	q:<n>:completed    ZSET id -> finished-at unix ms (trimmed by retention)
//	q:<n>:failed       ZSET id -> finished-at unix ms (trimmed by retention)
//	q:<n>:state:<id>   current state string (the CAS point for transitions)
//	q:<n>:prio:<id>    priority, read by the promotion script
//	q:<n>:job:<id>     full job record as JSON
//
// The state key is what makes dedup and claim atomic: every transition
// script checks or flips it in the same Lua invocation that moves the id
// between sets, so two processes can never claim the same job.
type keys struct{ name string }

func queueKeys(name string) keys { return keys{name: name} }

func (k keys) seq() string         { return "q:" + k.name + ":seq" }
func (k keys) waiting() string     { return "q:" + k.name + ":waiting" }
func (k keys) delayed() string     { return "q:" + k.name + ":delayed" }
func (k keys) active() string      { return "q:" + k.name + ":active" }
func (k keys) completed() string   { return "q:" + k.name + ":completed" }
func (k keys) failed() string      { return "q:" + k.name + ":failed" }
func (k keys) statePrefix() string { return "q:" + k.name + ":state:" }
func (k keys) prioPrefix() string  { return "q:" + k.name + ":prio:" }
func (k keys) jobPrefix() string   { return "q:" + k.name + ":job:" }

// prioShift folds priority and enqueue sequence into one ZSET score:
// score = priority*2^33 + seq. float64 keeps 53 mantissa bits, so small
// priorities and a 33-bit sequence stay exact.
const prioShift = int64(1) << 33

// enqueueScript inserts a job unless a pending instance with the same id
// already exists. Returns 1 when inserted, 0 when deduped.
//
// A terminal previous instance is evicted from its completed/failed ZSET
// before the insert. Without that, the old finished-at entry sticks around
// and a later retention trim would delete the new job's keys out from under
// the waiting set.
//
// KEYS: state, job, prio, waiting, delayed, seq, completed, failed
// ARGV: id, jobJSON, priority, readyAtMs (0 = run now)
var enqueueScript = redis.NewScript(`
	local state = redis.call('GET', KEYS[1])
	if state == 'waiting' or state == 'delayed' or state == 'active' then
		return 0
	end
	redis.call('ZREM', KEYS[7], ARGV[1])
	redis.call('ZREM', KEYS[8], ARGV[1])
	redis.call('SET', KEYS[2], ARGV[2])
	redis.call('SET', KEYS[3], ARGV[3])
	if tonumber(ARGV[4]) > 0 then
		redis.call('SET', KEYS[1], 'delayed')
		redis.call('ZADD', KEYS[5], tonumber(ARGV[4]), ARGV[1])
	else
		local seq = redis.call('INCR', KEYS[6])
		redis.call('SET', KEYS[1], 'waiting')
		redis.call('ZADD', KEYS[4], tonumber(ARGV[3]) * 8589934592 + seq, ARGV[1])
	end
	return 1
`)

// claimScript pops the lowest-scored waiting job and marks it active in the
// same atomic step. Returns the id, or false when the queue is empty.
//
// KEYS: waiting, active
// ARGV: statePrefix
var claimScript = redis.NewScript(`
	local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
	if #ids == 0 then
		return false
	end
	local id = ids[1]
	redis.call('ZREM', KEYS[1], id)
	redis.call('SADD', KEYS[2], id)
	redis.call('SET', ARGV[1] .. id, 'active')
	return id
`)

// finishScript moves an active job to a terminal ZSET and applies retention:
// entries older than the age cutoff are dropped, then the count cap is
// enforced oldest-first. Trimmed ids have their job, state and prio keys
// deleted.
//
// KEYS: active, terminal
// ARGV: id, statePrefix, jobPrefix, prioPrefix, state, finishedAtMs, ageCutoffMs, maxCount
var finishScript = redis.NewScript(`
	redis.call('SREM', KEYS[1], ARGV[1])
	redis.call('SET', ARGV[2] .. ARGV[1], ARGV[5])
	redis.call('ZADD', KEYS[2], tonumber(ARGV[6]), ARGV[1])
	local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[7])
	for _, old in ipairs(expired) do
		redis.call('DEL', ARGV[3] .. old, ARGV[2] .. old, ARGV[4] .. old)
	end
	redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[7])
	local over = redis.call('ZCARD', KEYS[2]) - tonumber(ARGV[8])
	if over > 0 then
		local evict = redis.call('ZRANGE', KEYS[2], 0, over - 1)
		for _, old in ipairs(evict) do
			redis.call('DEL', ARGV[3] .. old, ARGV[2] .. old, ARGV[4] .. old)
		end
		redis.call('ZREMRANGEBYRANK', KEYS[2], 0, over - 1)
	end
	return 1
`)

// retryScript moves an active job back to the delayed set for a later
// attempt.
//
// KEYS: active, delayed
// ARGV: id, statePrefix, readyAtMs
var retryScript = redis.NewScript(`
	redis.call('SREM', KEYS[1], ARGV[1])
	redis.call('SET', ARGV[2] .. ARGV[1], 'delayed')
	redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[1])
	return 1
`)

// promoteScript moves every due delayed job to the waiting set, rebuilding
// the priority|seq score so a promoted job competes fairly with fresh ones.
//
// KEYS: delayed, waiting, seq
// ARGV: nowMs, statePrefix, prioPrefix
var promoteScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	for _, id in ipairs(due) do
		redis.call('ZREM', KEYS[1], id)
		local prio = tonumber(redis.call('GET', ARGV[3] .. id)) or 0
		local seq = redis.call('INCR', KEYS[3])
		redis.call('SET', ARGV[2] .. id, 'waiting')
		redis.call('ZADD', KEYS[2], prio * 8589934592 + seq, id)
	end
	return #due
`)

// Store is the durable queue store. It is safe for concurrent use from any
// number of processes sharing the same Redis.
type Store struct {
	rdb *redis.Client
}

// NewStore wraps an existing Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Enqueue persists the job and makes it claimable (or delayed until readyAt).
// If a pending job with the same id already exists the existing record is
// returned and created is false: re-enqueueing a pending dedup id is a no-op.
func (s *Store) Enqueue(ctx context.Context, job *jobs.Job, readyAt time.Time) (*jobs.Job, bool, error) {
	k := queueKeys(job.Queue)

	var readyMs int64
	if !readyAt.IsZero() && readyAt.After(time.Now()) {
		readyMs = readyAt.UnixMilli()
		job.State = jobs.StateDelayed
	} else {
		job.State = jobs.StateWaiting
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, false, errors.Wrap(err, "marshal job")
	}

	res, err := enqueueScript.Run(ctx, s.rdb,
		[]string{
			k.statePrefix() + job.ID, k.jobPrefix() + job.ID, k.prioPrefix() + job.ID,
			k.waiting(), k.delayed(), k.seq(), k.completed(), k.failed(),
		},
		job.ID, string(data), job.Priority, readyMs,
	).Int()
	if err != nil {
		return nil, false, errors.Wrap(err, "enqueue")
	}
	if res == 0 {
		existing, err := s.Job(ctx, job.Queue, job.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return job, true, nil
}

// Claim atomically takes the next waiting job and marks it active. The
// returned record already has AttemptsMade incremented and ProcessedAt set.
// Returns ErrEmpty when nothing is ready.
func (s *Store) Claim(ctx context.Context, queue string) (*jobs.Job, error) {
	k := queueKeys(queue)

	res, err := claimScript.Run(ctx, s.rdb,
		[]string{k.waiting(), k.active()},
		k.statePrefix(),
	).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim")
	}

	id, _ := res.(string)
	job, err := s.Job(ctx, queue, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job.State = jobs.StateActive
	job.AttemptsMade++
	job.ProcessedAt = &now
	if err := s.writeJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete marks an active job as successfully finished, stores the return
// value and applies the completed-side retention policy.
func (s *Store) Complete(ctx context.Context, job *jobs.Job, returnValue any) error {
	now := time.Now().UTC()
	job.State = jobs.StateCompleted
	job.FinishedAt = &now
	job.FailureReason = ""
	if returnValue != nil {
		data, err := json.Marshal(returnValue)
		if err != nil {
			return errors.Wrap(err, "marshal return value")
		}
		job.ReturnValue = data
	}
	if err := s.writeJob(ctx, job); err != nil {
		return err
	}

	k := queueKeys(job.Queue)
	ret := job.Retention
	cutoff := now.Add(-ret.CompletedAge).UnixMilli()
	_, err := finishScript.Run(ctx, s.rdb,
		[]string{k.active(), k.completed()},
		job.ID, k.statePrefix(), k.jobPrefix(), k.prioPrefix(),
		string(jobs.StateCompleted), now.UnixMilli(), cutoff, ret.CompletedCount,
	).Result()
	return errors.Wrap(err, "complete")
}

// Retry re-queues an active job as delayed for another attempt after the
// given backoff.
func (s *Store) Retry(ctx context.Context, job *jobs.Job, failure error, backoff time.Duration) error {
	job.State = jobs.StateDelayed
	if failure != nil {
		job.FailureReason = failure.Error()
	}
	if err := s.writeJob(ctx, job); err != nil {
		return err
	}

	k := queueKeys(job.Queue)
	readyMs := time.Now().Add(backoff).UnixMilli()
	_, err := retryScript.Run(ctx, s.rdb,
		[]string{k.active(), k.delayed()},
		job.ID, k.statePrefix(), readyMs,
	).Result()
	return errors.Wrap(err, "retry")
}

// Fail marks an active job as terminally failed (retry budget exhausted)
// and applies the failed-side retention policy.
func (s *Store) Fail(ctx context.Context, job *jobs.Job, failure error) error {
	now := time.Now().UTC()
	job.State = jobs.StateFailed
	job.FinishedAt = &now
	if failure != nil {
		job.FailureReason = failure.Error()
	}
	if err := s.writeJob(ctx, job); err != nil {
		return err
	}

	k := queueKeys(job.Queue)
	ret := job.Retention
	cutoff := now.Add(-ret.FailedAge).UnixMilli()
	_, err := finishScript.Run(ctx, s.rdb,
		[]string{k.active(), k.failed()},
		job.ID, k.statePrefix(), k.jobPrefix(), k.prioPrefix(),
		string(jobs.StateFailed), now.UnixMilli(), cutoff, ret.FailedCount,
	).Result()
	return errors.Wrap(err, "fail")
}

// PromoteDue moves every delayed job whose ready time has passed into the
// waiting set. Returns how many were promoted.
func (s *Store) PromoteDue(ctx context.Context, queue string) (int, error) {
	k := queueKeys(queue)
	n, err := promoteScript.Run(ctx, s.rdb,
		[]string{k.delayed(), k.waiting(), k.seq()},
		time.Now().UnixMilli(), k.statePrefix(), k.prioPrefix(),
	).Int()
	if err != nil && err != redis.Nil {
		return 0, errors.Wrap(err, "promote due")
	}
	return n, nil
}

// Job fetches a job record by id.
func (s *Store) Job(ctx context.Context, queue, id string) (*jobs.Job, error) {
	k := queueKeys(queue)
	data, err := s.rdb.Get(ctx, k.jobPrefix()+id).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	var job jobs.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, errors.Wrap(err, "unmarshal job")
	}
	return &job, nil
}

// Depths returns the number of jobs per state for a queue.
func (s *Store) Depths(ctx context.Context, queue string) (map[jobs.State]int64, error) {
	k := queueKeys(queue)
	depths := make(map[jobs.State]int64)

	pipe := s.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, k.waiting())
	delayed := pipe.ZCard(ctx, k.delayed())
	active := pipe.SCard(ctx, k.active())
	completed := pipe.ZCard(ctx, k.completed())
	failed := pipe.ZCard(ctx, k.failed())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "queue depths")
	}

	depths[jobs.StateWaiting] = waiting.Val()
	depths[jobs.StateDelayed] = delayed.Val()
	depths[jobs.StateActive] = active.Val()
	depths[jobs.StateCompleted] = completed.Val()
	depths[jobs.StateFailed] = failed.Val()
	return depths, nil
}

// List returns up to limit job records in the given state, oldest first for
// terminal states, dequeue order for waiting/delayed.
func (s *Store) List(ctx context.Context, queue string, state jobs.State, limit int64) ([]*jobs.Job, error) {
	k := queueKeys(queue)
	var ids []string
	var err error

	switch state {
	case jobs.StateWaiting:
		ids, err = s.rdb.ZRange(ctx, k.waiting(), 0, limit-1).Result()
	case jobs.StateDelayed:
		ids, err = s.rdb.ZRange(ctx, k.delayed(), 0, limit-1).Result()
	case jobs.StateActive:
		ids, err = s.rdb.SMembers(ctx, k.active()).Result()
	case jobs.StateCompleted:
		ids, err = s.rdb.ZRange(ctx, k.completed(), 0, limit-1).Result()
	case jobs.StateFailed:
		ids, err = s.rdb.ZRange(ctx, k.failed(), 0, limit-1).Result()
	default:
		return nil, errors.Errorf("unknown state %q", state)
	}
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}

	out := make([]*jobs.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Job(ctx, queue, id)
		if err == ErrNotFound {
			// Trimmed between the range read and the fetch.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *Store) writeJob(ctx context.Context, job *jobs.Job) error {
	k := queueKeys(job.Queue)
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	return errors.Wrap(s.rdb.Set(ctx, k.jobPrefix()+job.ID, data, 0).Err(), "write job")
}
