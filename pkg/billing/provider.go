package billing

import (
	"context"
	"time"
)

// ProviderSubscription is the provider-reported view of a subscription.
type ProviderSubscription struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
	CanceledAt        *time.Time
	PriceID           string
}

// ProviderSchedule is a provider-side subscription schedule: a future,
// time-triggered plan change. Status values follow the provider:
// "not_started", "active", "completed", "released", "canceled".
type ProviderSchedule struct {
	ID       string
	Status   string
	Metadata map[string]string
}

// SchedulePending reports whether a schedule is still cancelable. Anything
// past active/not_started has already resolved.
func SchedulePending(status string) bool {
	return status == "active" || status == "not_started"
}

// MetadataUserID is the schedule metadata key carrying the owning user id.
// It is the lookup handle for cancelPendingDowngrade.
const MetadataUserID = "user_id"

// Provider is the payment-provider port. The engine is thin orchestration
// on top of these primitives; the Stripe adapter implements them and tests
// substitute a fake.
type Provider interface {
	// CreateCustomer creates a customer record and returns its id.
	CreateCustomer(ctx context.Context, email, userID string) (string, error)

	// CreateCheckoutSession starts a hosted checkout for the price and
	// returns (session id, redirect URL). Metadata is attached to the
	// subscription the checkout will create.
	CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string, meta map[string]string) (string, string, error)

	// GetSubscription fetches current provider truth for a subscription.
	GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)

	// SetCancelAtPeriodEnd flips the cancel-at-period-end flag and returns
	// the updated subscription.
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*ProviderSubscription, error)

	// CreateSchedule creates a schedule that starts a subscription on the
	// price at startAt, with release end-behavior so it becomes a normal
	// subscription once the phase completes.
	CreateSchedule(ctx context.Context, customerID, priceID string, startAt time.Time, meta map[string]string) (string, error)

	// ListSchedules returns all schedules. The engine filters by status
	// and metadata.
	ListSchedules(ctx context.Context) ([]*ProviderSchedule, error)

	// CancelSchedule cancels a pending schedule.
	CancelSchedule(ctx context.Context, scheduleID string) error
}
