package billing

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/logger"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/store"
)

// Result is the outcome of a billing operation. Eligibility failures are
// values (Success=false with a user-facing message), never errors; errors
// are reserved for provider/storage trouble the caller cannot act on.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func failure(msg string) Result { return Result{Success: false, Message: msg} }
func success(msg string) Result { return Result{Success: true, Message: msg} }

// CheckoutResult extends Result with the checkout redirect. When the
// requested tier turned out to be a downgrade, DowngradeScheduled is true
// and no redirect URL is returned: the change happens at period end.
type CheckoutResult struct {
	Result
	SessionID          string `json:"session_id,omitempty"`
	URL                string `json:"url,omitempty"`
	DowngradeScheduled bool   `json:"downgrade_scheduled,omitempty"`
}

// SyncResult aggregates a reconciliation pass. Success is false only on
// total failure (nothing could be synced although records exist); per-item
// mismatches are counted, never escalated.
type SyncResult struct {
	Success bool `json:"success"`
	Synced  int  `json:"synced"`
	Errored int  `json:"errored"`
}

// Engine is the subscription reconciliation engine. It executes operations
// against the payment provider and keeps the local subscription records
// reconcilable to provider truth. Local state is updated only after the
// provider call succeeds, never speculatively.
type Engine struct {
	provider Provider
	subs     *store.SubscriptionStore
	catalog  *Catalog

	successURL string
	cancelURL  string
}

// NewEngine wires the engine.
func NewEngine(provider Provider, subs *store.SubscriptionStore, catalog *Catalog, successURL, cancelURL string) *Engine {
	return &Engine{
		provider:   provider,
		subs:       subs,
		catalog:    catalog,
		successURL: successURL,
		cancelURL:  cancelURL,
	}
}

// Catalog exposes the tier catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// CreateCheckoutSession starts the path to a new or changed subscription.
// A strictly cheaper target tier on an active paid subscription is a
// downgrade and is routed to the schedule path: checkout cannot represent
// "become cheaper later". Local subscription state is not mutated here;
// the webhook/sync confirms the change after the user completes checkout.
func (e *Engine) CreateCheckoutSession(ctx context.Context, userID, email string, target Tier) (CheckoutResult, error) {
	if !e.catalog.Known(target) {
		return CheckoutResult{Result: failure("unknown tier")}, nil
	}
	if target == TierFree {
		return CheckoutResult{Result: failure("the free tier has no checkout")}, nil
	}

	rec, err := e.subs.Get(ctx, userID)
	if err != nil && err != store.ErrNotFound {
		return CheckoutResult{}, err
	}

	if rec != nil && rec.Status == store.StatusActive && rec.StripeSubscriptionID != "" &&
		e.catalog.IsDowngrade(Tier(rec.Tier), target) {
		res, err := e.CreateDowngradeSchedule(ctx, userID, target)
		if err != nil {
			return CheckoutResult{}, err
		}
		return CheckoutResult{Result: res, DowngradeScheduled: res.Success}, nil
	}

	customerID, rec, err := e.ensureCustomer(ctx, rec, userID, email)
	if err != nil {
		return CheckoutResult{}, err
	}

	priceID, err := e.catalog.PriceID(target)
	if err != nil {
		return CheckoutResult{}, err
	}

	sessionID, url, err := e.provider.CreateCheckoutSession(ctx, customerID, priceID, e.successURL, e.cancelURL, map[string]string{
		MetadataUserID: userID,
		"tier":         string(target),
	})
	if err != nil {
		return CheckoutResult{}, errors.Wrap(err, "create checkout session")
	}

	return CheckoutResult{
		Result:    success(""),
		SessionID: sessionID,
		URL:       url,
	}, nil
}

// ensureCustomer returns the provider customer id, creating and caching it
// on the local record on first need.
func (e *Engine) ensureCustomer(ctx context.Context, rec *store.Subscription, userID, email string) (string, *store.Subscription, error) {
	if rec != nil && rec.StripeCustomerID != "" {
		return rec.StripeCustomerID, rec, nil
	}
	customerID, err := e.provider.CreateCustomer(ctx, email, userID)
	if err != nil {
		return "", nil, errors.Wrap(err, "create customer")
	}
	if rec == nil {
		rec = &store.Subscription{
			UserID: userID,
			Email:  email,
			Tier:   string(TierFree),
			Status: store.StatusNone,
		}
	}
	rec.StripeCustomerID = customerID
	if err := e.subs.Put(ctx, rec); err != nil {
		return "", nil, err
	}
	return customerID, rec, nil
}

// CreateDowngradeSchedule defers a move to a cheaper tier to the end of the
// current period: a provider-side schedule starts the new price exactly at
// CurrentPeriodEnd with release end-behavior, and the current subscription
// is flagged cancel-at-period-end so the old price stops renewing. Both the
// cancellation flag and the scheduled tier are mirrored locally.
func (e *Engine) CreateDowngradeSchedule(ctx context.Context, userID string, target Tier) (Result, error) {
	rec, err := e.subs.Get(ctx, userID)
	if err == store.ErrNotFound {
		return failure("no active subscription to downgrade"), nil
	}
	if err != nil {
		return Result{}, err
	}
	if rec.Status != store.StatusActive || rec.StripeSubscriptionID == "" {
		return failure("no active subscription to downgrade"), nil
	}
	if rec.CurrentPeriodEnd == nil || rec.CurrentPeriodEnd.IsZero() {
		return failure("current period end unknown; sync the subscription first"), nil
	}
	if rec.ScheduledDowngradeTier != "" {
		return failure("a downgrade is already scheduled"), nil
	}
	if !e.catalog.IsDowngrade(Tier(rec.Tier), target) {
		return failure("target tier is not cheaper than the current tier"), nil
	}

	if target == TierFree {
		// Downgrading to free is just a cancellation at period end.
		return e.CancelSubscription(ctx, userID)
	}
	priceID, err := e.catalog.PriceID(target)
	if err != nil {
		return Result{}, err
	}

	// The user_id metadata is the handle CancelPendingDowngrade uses to
	// find this schedule again.
	scheduleID, err := e.provider.CreateSchedule(ctx, rec.StripeCustomerID, priceID, *rec.CurrentPeriodEnd, map[string]string{
		MetadataUserID: userID,
		"tier":         string(target),
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "create downgrade schedule")
	}

	if _, err := e.provider.SetCancelAtPeriodEnd(ctx, rec.StripeSubscriptionID, true); err != nil {
		return Result{}, errors.Wrap(err, "flag current subscription for period-end cancel")
	}

	rec.CancelAtPeriodEnd = true
	rec.ScheduledDowngradeTier = string(target)
	rec.ScheduleID = scheduleID
	if err := e.subs.Put(ctx, rec); err != nil {
		return Result{}, err
	}

	logger.Log.Info().
		Str("user_id", userID).
		Str("tier", string(target)).
		Str("schedule_id", scheduleID).
		Msg("Downgrade scheduled")
	return success("downgrade scheduled for the end of the current period"), nil
}

// CancelSubscription flags an active subscription to cancel at period end.
// Access continues until then; nothing terminates immediately.
func (e *Engine) CancelSubscription(ctx context.Context, userID string) (Result, error) {
	rec, err := e.subs.Get(ctx, userID)
	if err == store.ErrNotFound {
		return failure("no active subscription to cancel"), nil
	}
	if err != nil {
		return Result{}, err
	}
	if rec.StripeSubscriptionID == "" || rec.Status == store.StatusCanceled {
		return failure("no active subscription to cancel"), nil
	}
	if rec.Status == store.StatusPastDue {
		return failure("subscription is past due and cannot be canceled here"), nil
	}
	if rec.CancelAtPeriodEnd {
		return failure("subscription is already scheduled to cancel"), nil
	}

	updated, err := e.provider.SetCancelAtPeriodEnd(ctx, rec.StripeSubscriptionID, true)
	if err != nil {
		return Result{}, errors.Wrap(err, "cancel subscription")
	}

	e.applyProviderState(rec, updated)
	if err := e.subs.Put(ctx, rec); err != nil {
		return Result{}, err
	}
	return success("subscription will cancel at the end of the current period"), nil
}

// ReactivateSubscription clears a pending cancellation. It is symmetric to
// CancelSubscription and requires one to be pending.
func (e *Engine) ReactivateSubscription(ctx context.Context, userID string) (Result, error) {
	rec, err := e.subs.Get(ctx, userID)
	if err == store.ErrNotFound {
		return failure("no subscription to reactivate"), nil
	}
	if err != nil {
		return Result{}, err
	}
	if rec.StripeSubscriptionID == "" || rec.Status != store.StatusActive {
		return failure("no subscription to reactivate"), nil
	}
	if !rec.CancelAtPeriodEnd {
		return failure("subscription is not scheduled to cancel"), nil
	}
	if rec.ScheduledDowngradeTier != "" {
		return failure("a downgrade is pending; cancel the downgrade instead"), nil
	}

	updated, err := e.provider.SetCancelAtPeriodEnd(ctx, rec.StripeSubscriptionID, false)
	if err != nil {
		return Result{}, errors.Wrap(err, "reactivate subscription")
	}

	e.applyProviderState(rec, updated)
	rec.Status = store.StatusActive
	rec.CanceledAt = nil
	if err := e.subs.Put(ctx, rec); err != nil {
		return Result{}, err
	}
	return success("subscription reactivated"), nil
}

// CancelPendingDowngrade cancels the schedule created by the downgrade
// path. The schedule is located by the stored schedule id when available,
// otherwise by scanning pending schedules (active or not_started) for the
// user id in metadata; first match wins. No pending schedule is an explicit
// failure, never a silent no-op.
func (e *Engine) CancelPendingDowngrade(ctx context.Context, userID string) (Result, error) {
	rec, err := e.subs.Get(ctx, userID)
	if err == store.ErrNotFound {
		return failure("no pending downgrade found"), nil
	}
	if err != nil {
		return Result{}, err
	}
	if rec.ScheduledDowngradeTier == "" {
		return failure("no pending downgrade found"), nil
	}

	schedules, err := e.provider.ListSchedules(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "list schedules")
	}

	var target *ProviderSchedule
	for _, sched := range schedules {
		if !SchedulePending(sched.Status) {
			continue
		}
		if rec.ScheduleID != "" && sched.ID == rec.ScheduleID {
			target = sched
			break
		}
		if sched.Metadata[MetadataUserID] == userID && target == nil {
			target = sched
		}
	}
	if target == nil {
		return failure("no pending downgrade schedule found for this user"), nil
	}

	if err := e.provider.CancelSchedule(ctx, target.ID); err != nil {
		return Result{}, errors.Wrap(err, "cancel schedule")
	}
	if _, err := e.provider.SetCancelAtPeriodEnd(ctx, rec.StripeSubscriptionID, false); err != nil {
		return Result{}, errors.Wrap(err, "clear period-end cancel")
	}

	rec.CancelAtPeriodEnd = false
	rec.ScheduledDowngradeTier = ""
	rec.ScheduleID = ""
	rec.CanceledAt = nil
	if err := e.subs.Put(ctx, rec); err != nil {
		return Result{}, err
	}

	logger.Log.Info().Str("user_id", userID).Str("schedule_id", target.ID).Msg("Pending downgrade canceled")
	return success("pending downgrade canceled"), nil
}

// SyncUser reconciles one local record against provider truth.
func (e *Engine) SyncUser(ctx context.Context, userID string) error {
	rec, err := e.subs.Get(ctx, userID)
	if err != nil {
		return err
	}
	return e.syncRecord(ctx, rec)
}

// SyncAll reconciles every local record in one pass. Per-item failures do
// not abort the batch; they are counted and reported in aggregate.
func (e *Engine) SyncAll(ctx context.Context) (SyncResult, error) {
	recs, err := e.subs.All(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	var (
		mu        sync.Mutex
		synced    int
		errored   int
		attempted int
	)

	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, rec := range recs {
		if rec.StripeSubscriptionID == "" {
			continue
		}
		rec := rec
		g.Go(func() error {
			err := e.syncRecord(ctx, rec)
			mu.Lock()
			defer mu.Unlock()
			attempted++
			if err != nil {
				errored++
				logger.Log.Warn().Err(err).Str("user_id", rec.UserID).Msg("Subscription sync failed for user")
			} else {
				synced++
			}
			return nil
		})
	}
	_ = g.Wait()

	res := SyncResult{
		Success: !(attempted > 0 && synced == 0),
		Synced:  synced,
		Errored: errored,
	}
	logger.Log.Info().Int("synced", res.Synced).Int("errored", res.Errored).Msg("Subscription sync pass finished")
	return res, nil
}

func (e *Engine) syncRecord(ctx context.Context, rec *store.Subscription) error {
	sub, err := e.provider.GetSubscription(ctx, rec.StripeSubscriptionID)
	if err != nil {
		return errors.Wrapf(err, "fetch subscription %s", rec.StripeSubscriptionID)
	}
	e.applyProviderState(rec, sub)
	return e.subs.Put(ctx, rec)
}

// applyProviderState overwrites the provider-owned fields of a local record
// with provider truth. When in doubt, re-derive from the provider rather
// than trusting a stale local read.
func (e *Engine) applyProviderState(rec *store.Subscription, sub *ProviderSubscription) {
	rec.StripeSubscriptionID = sub.ID
	if sub.CustomerID != "" {
		rec.StripeCustomerID = sub.CustomerID
	}
	rec.Status = store.SubscriptionStatus(sub.Status)
	rec.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	rec.CanceledAt = sub.CanceledAt
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		rec.CurrentPeriodEnd = &end
	}
	if tier, ok := e.catalog.TierForPriceID(sub.PriceID); ok {
		rec.Tier = string(tier)
	}
	if rec.Status == store.StatusCanceled {
		rec.Tier = string(TierFree)
		rec.ScheduledDowngradeTier = ""
		rec.ScheduleID = ""
	}
	if !rec.CancelAtPeriodEnd && rec.Status == store.StatusActive {
		// Provider says nothing is ending, so no downgrade can be pending.
		rec.ScheduledDowngradeTier = ""
		rec.ScheduleID = ""
	}
}

// HandleSubscriptionEvent applies a webhook-delivered subscription object.
// The owning user comes from subscription metadata when present, otherwise
// from the customer-id index.
func (e *Engine) HandleSubscriptionEvent(ctx context.Context, sub *ProviderSubscription, metaUserID string) error {
	var rec *store.Subscription
	var err error

	if metaUserID != "" {
		rec, err = e.subs.Get(ctx, metaUserID)
		if err == store.ErrNotFound {
			rec = &store.Subscription{UserID: metaUserID}
			err = nil
		}
	} else {
		rec, err = e.subs.ByCustomerID(ctx, sub.CustomerID)
		if err == store.ErrNotFound {
			logger.Log.Warn().Str("customer_id", sub.CustomerID).Msg("Webhook for unknown customer ignored")
			return nil
		}
	}
	if err != nil {
		return err
	}

	e.applyProviderState(rec, sub)
	if err := e.subs.Put(ctx, rec); err != nil {
		return err
	}
	logger.Log.Info().
		Str("user_id", rec.UserID).
		Str("status", string(rec.Status)).
		Bool("cancel_at_period_end", rec.CancelAtPeriodEnd).
		Msg("Subscription updated from webhook")
	return nil
}
