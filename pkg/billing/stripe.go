package billing

import (
	"context"
	"time"

	"github.com/pkg/errors"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProvider implements Provider against the Stripe API.
type StripeProvider struct {
	api *client.API
}

// NewStripeProvider builds the adapter with the given secret key.
func NewStripeProvider(secretKey string) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProvider{api: api}
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, email, userID string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.AddMetadata(MetadataUserID, userID)

	cust, err := p.api.Customers.New(params)
	if err != nil {
		return "", errors.Wrap(err, "stripe: create customer")
	}
	return cust.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string, meta map[string]string) (string, string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer:   stripe.String(customerID),
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: meta,
		},
	}
	params.Context = ctx

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return "", "", errors.Wrap(err, "stripe: create checkout session")
	}
	return sess.ID, sess.URL, nil
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := p.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, errors.Wrap(err, "stripe: get subscription")
	}
	return FromStripeSubscription(sub), nil
}

func (p *StripeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	params.Context = ctx

	sub, err := p.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, errors.Wrap(err, "stripe: update subscription")
	}
	return FromStripeSubscription(sub), nil
}

func (p *StripeProvider) CreateSchedule(ctx context.Context, customerID, priceID string, startAt time.Time, meta map[string]string) (string, error) {
	params := &stripe.SubscriptionScheduleParams{
		Customer:    stripe.String(customerID),
		StartDate:   stripe.Int64(startAt.Unix()),
		EndBehavior: stripe.String(string(stripe.SubscriptionScheduleEndBehaviorRelease)),
		Phases: []*stripe.SubscriptionSchedulePhaseParams{
			{
				Items: []*stripe.SubscriptionSchedulePhaseItemParams{
					{
						Price:    stripe.String(priceID),
						Quantity: stripe.Int64(1),
					},
				},
			},
		},
	}
	params.Context = ctx
	for k, v := range meta {
		params.AddMetadata(k, v)
	}

	sched, err := p.api.SubscriptionSchedules.New(params)
	if err != nil {
		return "", errors.Wrap(err, "stripe: create subscription schedule")
	}
	return sched.ID, nil
}

func (p *StripeProvider) ListSchedules(ctx context.Context) ([]*ProviderSchedule, error) {
	params := &stripe.SubscriptionScheduleListParams{}
	params.Context = ctx

	var out []*ProviderSchedule
	it := p.api.SubscriptionSchedules.List(params)
	for it.Next() {
		s := it.SubscriptionSchedule()
		out = append(out, &ProviderSchedule{
			ID:       s.ID,
			Status:   string(s.Status),
			Metadata: s.Metadata,
		})
	}
	if err := it.Err(); err != nil {
		return nil, errors.Wrap(err, "stripe: list subscription schedules")
	}
	return out, nil
}

func (p *StripeProvider) CancelSchedule(ctx context.Context, scheduleID string) error {
	params := &stripe.SubscriptionScheduleCancelParams{}
	params.Context = ctx

	_, err := p.api.SubscriptionSchedules.Cancel(scheduleID, params)
	return errors.Wrap(err, "stripe: cancel subscription schedule")
}

// FromStripeSubscription converts a Stripe subscription object (from an
// API response or a webhook payload) into the provider-neutral view.
func FromStripeSubscription(sub *stripe.Subscription) *ProviderSubscription {
	out := &ProviderSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0).UTC()
		out.CanceledAt = &t
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		out.PriceID = sub.Items.Data[0].Price.ID
	}
	return out
}
