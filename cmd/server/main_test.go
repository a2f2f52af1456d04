package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/billing"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/jobs"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/queue"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/store"
)

const (
	testAPIKey        = "test-key"
	testWebhookSecret = "whsec_test"
)

// stubProvider satisfies the provider port for handler tests that never
// reach the provider, plus the cancel path.
type stubProvider struct {
	subs map[string]*billing.ProviderSubscription
}

func (p *stubProvider) CreateCustomer(context.Context, string, string) (string, error) {
	return "cus_stub", nil
}

func (p *stubProvider) CreateCheckoutSession(context.Context, string, string, string, string, map[string]string) (string, string, error) {
	return "cs_stub", "https://checkout.example/cs_stub", nil
}

func (p *stubProvider) GetSubscription(_ context.Context, id string) (*billing.ProviderSubscription, error) {
	sub, ok := p.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription %s", id)
	}
	return sub, nil
}

func (p *stubProvider) SetCancelAtPeriodEnd(_ context.Context, id string, cancel bool) (*billing.ProviderSubscription, error) {
	sub, ok := p.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription %s", id)
	}
	sub.CancelAtPeriodEnd = cancel
	return sub, nil
}

func (p *stubProvider) CreateSchedule(context.Context, string, string, time.Time, map[string]string) (string, error) {
	return "sched_stub", nil
}

func (p *stubProvider) ListSchedules(context.Context) ([]*billing.ProviderSchedule, error) {
	return nil, nil
}

func (p *stubProvider) CancelSchedule(context.Context, string) error { return nil }

func setupServer(t *testing.T) (*server, *stubProvider) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	subs := store.NewSubscriptionStore(rdb)
	docs := store.NewDocumentStore(rdb)
	provider := &stubProvider{subs: make(map[string]*billing.ProviderSubscription)}
	catalog := billing.NewCatalog("price_starter", "price_pro", "price_business")
	engine := billing.NewEngine(provider, subs, catalog, "https://app.example/ok", "https://app.example/cancel")

	return &server{
		registry:      queue.NewRegistry(rdb),
		engine:        engine,
		subs:          subs,
		docs:          docs,
		apiKey:        testAPIKey,
		webhookSecret: testWebhookSecret,
	}, provider
}

func doRequest(t *testing.T, h http.Handler, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyMiddleware(t *testing.T) {
	srv, _ := setupServer(t)
	h := srv.router()

	rec := doRequest(t, h, http.MethodGet, "/v1/queues/stats", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/v1/queues/stats", "wrong", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong key, got %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/v1/queues/stats", testAPIKey, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with key, got %d", rec.Code)
	}
}

func TestIndexDocumentEndpoint(t *testing.T) {
	srv, _ := setupServer(t)
	h := srv.router()
	ctx := context.Background()

	rec := doRequest(t, h, http.MethodPost, "/v1/documents/d1/index", testAPIKey, map[string]any{
		"organization_id": "org1",
		"storage_url":     "https://storage.example/d1",
		"display_name":    "handbook.pdf",
		"mime_type":       "application/pdf",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type on 202, got %q", ct)
	}

	doc, err := srv.docs.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("Document not persisted: %v", err)
	}
	if doc.Status != store.DocPending {
		t.Errorf("Expected pending status, got %s", doc.Status)
	}

	job, err := srv.registry.Store().Job(ctx, jobs.QueueDocuments, jobs.IndexDedupID("d1"))
	if err != nil {
		t.Fatalf("Job not enqueued: %v", err)
	}
	if job.Name != jobs.JobIndexDocument || job.Priority != jobs.PriorityHigh {
		t.Errorf("Unexpected job: name=%s priority=%d", job.Name, job.Priority)
	}

	// Re-indexing the same document while pending dedups to one job.
	doRequest(t, h, http.MethodPost, "/v1/documents/d1/index", testAPIKey, map[string]any{"organization_id": "org1"})
	depths, err := srv.registry.Store().Depths(ctx, jobs.QueueDocuments)
	if err != nil {
		t.Fatalf("Depths failed: %v", err)
	}
	if depths[jobs.StateWaiting] != 1 {
		t.Errorf("Expected 1 waiting job, got %d", depths[jobs.StateWaiting])
	}
}

func TestMarketingPreferenceEndpoint(t *testing.T) {
	srv, _ := setupServer(t)
	h := srv.router()
	ctx := context.Background()

	rec := doRequest(t, h, http.MethodPut, "/v1/users/u1@example.com/marketing", testAPIKey, map[string]any{"subscribed": true})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}
	job, err := srv.registry.Store().Job(ctx, jobs.QueueEmail, jobs.MarketingAddDedupID("u1@example.com"))
	if err != nil {
		t.Fatalf("Add job not enqueued: %v", err)
	}
	if job.Name != jobs.JobMarketingAdd || job.Priority != jobs.PriorityLow {
		t.Errorf("Unexpected job: name=%s priority=%d", job.Name, job.Priority)
	}

	rec = doRequest(t, h, http.MethodPut, "/v1/users/u1@example.com/marketing", testAPIKey, map[string]any{"subscribed": false})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}
	if _, err := srv.registry.Store().Job(ctx, jobs.QueueEmail, jobs.MarketingRemoveDedupID("u1@example.com")); err != nil {
		t.Fatalf("Remove job not enqueued: %v", err)
	}
}

func TestCancelEndpointPassesEligibilityFailureThrough(t *testing.T) {
	srv, _ := setupServer(t)
	h := srv.router()

	rec := doRequest(t, h, http.MethodPost, "/v1/billing/cancel", testAPIKey, map[string]any{"user_id": "ghost"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Eligibility failure is a 200-level result, got %d", rec.Code)
	}
	var res billing.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Success || res.Message == "" {
		t.Errorf("Expected failure result with message, got %+v", res)
	}
}

func TestQueueJobsEndpoint(t *testing.T) {
	srv, _ := setupServer(t)
	h := srv.router()
	ctx := context.Background()

	if _, err := srv.registry.Queue(jobs.QueueEmail).Enqueue(ctx, jobs.JobMarketingAdd,
		jobs.MarketingPayload{Email: "a@example.com"}, queue.EnqueueOptions{DedupID: "j1"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	rec := doRequest(t, h, http.MethodGet, "/v1/queues/email/jobs?state=waiting", testAPIKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var list []*jobs.Job
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(list) != 1 || list[0].ID != "j1" {
		t.Errorf("Unexpected listing: %+v", list)
	}
}

func signedWebhookRequest(t *testing.T, payload []byte) *http.Request {
	t.Helper()
	ts := time.Now()
	sig := webhook.ComputeSignature(ts, payload, testWebhookSecret)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature",
		fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(sig)))
	return req
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, _ := setupServer(t)
	h := srv.router()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"type":"x"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad signature, got %d", rec.Code)
	}
}

func TestWebhookAppliesSubscriptionUpdate(t *testing.T) {
	srv, _ := setupServer(t)
	h := srv.router()
	ctx := context.Background()

	if err := srv.subs.Put(ctx, &store.Subscription{
		UserID:               "u1",
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		Tier:                 "starter",
		Status:               store.StatusActive,
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()
	event := fmt.Sprintf(`{
		"id": "evt_1",
		"api_version": "`+stripe.APIVersion+`",
		"type": "customer.subscription.updated",
		"data": {"object": {
			"id": "sub_1",
			"customer": "cus_1",
			"status": "active",
			"cancel_at_period_end": true,
			"current_period_end": %d,
			"metadata": {"user_id": "u1"},
			"items": {"data": [{"price": {"id": "price_pro"}}]}
		}}
	}`, periodEnd)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhookRequest(t, []byte(event)))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}

	got, err := srv.subs.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Tier != "pro" || !got.CancelAtPeriodEnd {
		t.Errorf("Webhook not applied: %+v", got)
	}
	if got.CurrentPeriodEnd == nil || got.CurrentPeriodEnd.Unix() != periodEnd {
		t.Errorf("Period end not applied: %v", got.CurrentPeriodEnd)
	}
}

func TestWebhookIgnoresUnhandledEvents(t *testing.T) {
	srv, _ := setupServer(t)
	h := srv.router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhookRequest(t, []byte(`{"id":"evt_2","api_version":"`+stripe.APIVersion+`","type":"invoice.paid","data":{"object":{}}}`)))
	if rec.Code != http.StatusOK {
		t.Errorf("Unhandled events must be acknowledged, got %d", rec.Code)
	}
}
