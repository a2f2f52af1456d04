package main

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/billing"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/jobs"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/logger"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/queue"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/store"
)

type server struct {
	registry      *queue.Registry
	engine        *billing.Engine
	subs          *store.SubscriptionStore
	docs          *store.DocumentStore
	apiKey        string
	webhookSecret string
}

// router wires the HTTP surface. The Stripe webhook sits outside the API
// key middleware: Stripe authenticates with its signature instead.
func (s *server) router() http.Handler {
	r := chi.NewRouter()

	r.Post("/webhooks/stripe", s.handleStripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Post("/v1/billing/checkout", s.handleCheckout)
		r.Post("/v1/billing/cancel", s.handleCancel)
		r.Post("/v1/billing/reactivate", s.handleReactivate)
		r.Post("/v1/billing/downgrade/cancel", s.handleCancelDowngrade)

		r.Post("/v1/documents/{id}/index", s.handleIndexDocument)
		r.Put("/v1/users/{email}/marketing", s.handleMarketingPreference)

		r.Get("/v1/queues/stats", s.handleQueueStats)
		r.Get("/v1/queues/{name}/jobs", s.handleQueueJobs)
	})

	return r
}

// requireAPIKey enforces the X-API-Key header. An empty configured key
// disables authentication (dev mode).
func (s *server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-API-Key") != s.apiKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type billingRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Tier   string `json:"tier"`
}

func (s *server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req billingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.engine.CreateCheckoutSession(r.Context(), req.UserID, req.Email, billing.Tier(req.Tier))
	if err != nil {
		logger.Log.Error().Err(err).Str("user_id", req.UserID).Msg("Checkout failed")
		http.Error(w, "billing operation failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, res)
}

func (s *server) billingOp(w http.ResponseWriter, r *http.Request, op func(userID string) (billing.Result, error)) {
	var req billingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := op(req.UserID)
	if err != nil {
		logger.Log.Error().Err(err).Str("user_id", req.UserID).Msg("Billing operation failed")
		http.Error(w, "billing operation failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, res)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.billingOp(w, r, func(userID string) (billing.Result, error) {
		return s.engine.CancelSubscription(r.Context(), userID)
	})
}

func (s *server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	s.billingOp(w, r, func(userID string) (billing.Result, error) {
		return s.engine.ReactivateSubscription(r.Context(), userID)
	})
}

func (s *server) handleCancelDowngrade(w http.ResponseWriter, r *http.Request) {
	s.billingOp(w, r, func(userID string) (billing.Result, error) {
		return s.engine.CancelPendingDowngrade(r.Context(), userID)
	})
}

type indexRequest struct {
	OrganizationID string `json:"organization_id"`
	StorageURL     string `json:"storage_url"`
	DisplayName    string `json:"display_name"`
	MimeType       string `json:"mime_type"`
	FileData       []byte `json:"file_data,omitempty"`
}

// handleIndexDocument records the document and enqueues indexing. The queue
// is the only path to searchability, so an unreachable backend is a hard
// failure surfaced to the caller.
func (s *server) handleIndexDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "id")
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	doc := &store.Document{
		ID:             docID,
		OrganizationID: req.OrganizationID,
		DisplayName:    req.DisplayName,
		MimeType:       req.MimeType,
		StorageURL:     req.StorageURL,
		Status:         store.DocPending,
	}
	if err := s.docs.Put(r.Context(), doc); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	job, err := s.registry.Queue(jobs.QueueDocuments).Enqueue(r.Context(), jobs.JobIndexDocument,
		jobs.IndexDocumentPayload{
			DocumentID:     docID,
			OrganizationID: req.OrganizationID,
			StorageURL:     req.StorageURL,
			DisplayName:    req.DisplayName,
			MimeType:       req.MimeType,
			FileData:       req.FileData,
		},
		queue.EnqueueOptions{
			DedupID:  jobs.IndexDedupID(docID),
			Priority: queue.Priority(jobs.PriorityHigh),
		})
	if err != nil {
		logger.Log.Error().Err(err).Str("document_id", docID).Msg("Failed to enqueue indexing")
		http.Error(w, "failed to enqueue indexing", http.StatusBadGateway)
		return
	}

	// Headers are frozen once the status line goes out.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"job_id": job.ID, "status": string(doc.Status)})
}

type marketingRequest struct {
	Subscribed bool `json:"subscribed"`
}

// handleMarketingPreference enqueues the audience change. Marketing sync is
// best-effort: a queue failure is logged and swallowed so the preference
// update itself never fails on it.
func (s *server) handleMarketingPreference(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	var req marketingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	jobName := jobs.JobMarketingRemove
	dedupID := jobs.MarketingRemoveDedupID(email)
	if req.Subscribed {
		jobName = jobs.JobMarketingAdd
		dedupID = jobs.MarketingAddDedupID(email)
	}

	// Short retention: toggling twice should not pile up history.
	retention := jobs.Retention{
		CompletedAge:   time.Hour,
		CompletedCount: 100,
		FailedAge:      24 * time.Hour,
		FailedCount:    500,
	}
	_, err := s.registry.Queue(jobs.QueueEmail).Enqueue(r.Context(), jobName,
		jobs.MarketingPayload{Email: email},
		queue.EnqueueOptions{
			DedupID:   dedupID,
			Priority:  queue.Priority(jobs.PriorityLow),
			Retention: &retention,
		})
	if err != nil {
		logger.Log.Warn().Err(err).Str("email", email).Msg("Marketing sync enqueue failed (best-effort, ignored)")
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[jobs.State]int64)
	for _, name := range []string{jobs.QueueDocuments, jobs.QueueSubscriptions, jobs.QueueEmail} {
		depths, err := s.registry.Store().Depths(r.Context(), name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out[name] = depths
	}
	writeJSON(w, out)
}

func (s *server) handleQueueJobs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	state := jobs.State(r.URL.Query().Get("state"))
	if state == "" {
		state = jobs.StateFailed
	}
	list, err := s.registry.Store().List(r.Context(), name, state, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, list)
}

// handleStripeWebhook verifies the event signature and applies
// subscription lifecycle events to the local records. A completed checkout
// triggers a targeted sync job instead of trusting the session payload.
func (s *server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.webhookSecret)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			http.Error(w, "malformed subscription payload", http.StatusBadRequest)
			return
		}
		if err := s.engine.HandleSubscriptionEvent(r.Context(), billing.FromStripeSubscription(&sub), sub.Metadata[billing.MetadataUserID]); err != nil {
			logger.Log.Error().Err(err).Str("event", string(event.Type)).Msg("Webhook apply failed")
			http.Error(w, "apply failed", http.StatusInternalServerError)
			return
		}

	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			http.Error(w, "malformed session payload", http.StatusBadRequest)
			return
		}
		s.enqueueCheckoutSync(r, &sess)

	default:
		// Unhandled event types are acknowledged and dropped.
	}

	w.WriteHeader(http.StatusOK)
}

func (s *server) enqueueCheckoutSync(r *http.Request, sess *stripe.CheckoutSession) {
	payload := jobs.SubscriptionSyncPayload{}
	if sess.Customer != nil {
		if rec, err := s.subs.ByCustomerID(r.Context(), sess.Customer.ID); err == nil {
			payload.UserID = rec.UserID
		}
	}
	_, err := s.registry.Queue(jobs.QueueSubscriptions).Enqueue(r.Context(), jobs.JobSubscriptionSync, payload, queue.EnqueueOptions{})
	if err != nil {
		logger.Log.Error().Err(err).Msg("Failed to enqueue post-checkout sync")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Response encode failed")
	}
}
