// Package store persists the local mirrors of external state: subscription
// records (a cache of payment-provider truth) and document records. Values
// live in Redis as JSON under namespaced keys, alongside the queue's data,
// so every process shares one durable backend.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no record exists for the given key.
var ErrNotFound = errors.New("store: not found")

// SubscriptionStatus mirrors the provider's subscription status values.
type SubscriptionStatus string

const (
	StatusNone     SubscriptionStatus = "none"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusUnpaid   SubscriptionStatus = "unpaid"
)

// Subscription is the local record of a user's subscription. The provider
// is the source of truth; this record is a cache updated by operation
// results, webhook events and the periodic sync job. Records are never
// hard-deleted.
//
// Invariant: ScheduledDowngradeTier non-empty implies CancelAtPeriodEnd and
// a pending provider-side subscription schedule.
type Subscription struct {
	UserID               string             `json:"user_id"`
	Email                string             `json:"email"`
	StripeCustomerID     string             `json:"stripe_customer_id"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	Tier                 string             `json:"tier"`
	Status               SubscriptionStatus `json:"status"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	CanceledAt           *time.Time         `json:"canceled_at,omitempty"`
	ScheduledDowngradeTier string           `json:"scheduled_downgrade_tier,omitempty"`
	// ScheduleID is the local handle to the downgrade schedule, stored at
	// creation time. The metadata scan remains the fallback for records
	// written before this field existed.
	ScheduleID       string     `json:"schedule_id,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

const (
	subKeyPrefix  = "billing:sub:"
	custKeyPrefix = "billing:cust:"
	subIndexKey   = "billing:subs"
)

// SubscriptionStore persists Subscription records.
type SubscriptionStore struct {
	rdb *redis.Client
}

func NewSubscriptionStore(rdb *redis.Client) *SubscriptionStore {
	return &SubscriptionStore{rdb: rdb}
}

// Get returns the record for a user, or ErrNotFound.
func (s *SubscriptionStore) Get(ctx context.Context, userID string) (*Subscription, error) {
	data, err := s.rdb.Get(ctx, subKeyPrefix+userID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get subscription")
	}
	var sub Subscription
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return nil, errors.Wrap(err, "unmarshal subscription")
	}
	return &sub, nil
}

// Put writes the record and maintains the customer-id and all-users indexes.
func (s *SubscriptionStore) Put(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(sub)
	if err != nil {
		return errors.Wrap(err, "marshal subscription")
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, subKeyPrefix+sub.UserID, data, 0)
	pipe.SAdd(ctx, subIndexKey, sub.UserID)
	if sub.StripeCustomerID != "" {
		pipe.Set(ctx, custKeyPrefix+sub.StripeCustomerID, sub.UserID, 0)
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "put subscription")
}

// ByCustomerID resolves a provider customer id back to the local record.
// Webhook payloads often carry only the customer.
func (s *SubscriptionStore) ByCustomerID(ctx context.Context, customerID string) (*Subscription, error) {
	userID, err := s.rdb.Get(ctx, custKeyPrefix+customerID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "resolve customer")
	}
	return s.Get(ctx, userID)
}

// All returns every subscription record.
func (s *SubscriptionStore) All(ctx context.Context) ([]*Subscription, error) {
	userIDs, err := s.rdb.SMembers(ctx, subIndexKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list subscriptions")
	}
	out := make([]*Subscription, 0, len(userIDs))
	for _, id := range userIDs {
		sub, err := s.Get(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}
