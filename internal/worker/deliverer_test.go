package worker

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poscloud/webhook-engine/internal/domain"
	"github.com/poscloud/webhook-engine/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeStore is an in-memory Store. Reads return copies so a missing
// UpdateDeliveryOutcome call shows up as stale state.
type fakeStore struct {
	mu         sync.Mutex
	deliveries map[string]*domain.Delivery
	webhooks   map[string]*domain.Webhook
	successes  map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deliveries: make(map[string]*domain.Delivery),
		webhooks:   make(map[string]*domain.Webhook),
		successes:  make(map[string]int),
	}
}

func (f *fakeStore) putDelivery(d *domain.Delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.deliveries[d.ID] = &cp
}

func (f *fakeStore) putWebhook(w *domain.Webhook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *w
	f.webhooks[w.ID] = &cp
}

func (f *fakeStore) GetDelivery(_ context.Context, id string) (*domain.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) UpdateDeliveryOutcome(_ context.Context, d *domain.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.deliveries[d.ID] = &cp
	return nil
}

func (f *fakeStore) GetWebhook(_ context.Context, id string) (*domain.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.webhooks[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (f *fakeStore) RecordSuccess(_ context.Context, webhookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes[webhookID]++
	if w, ok := f.webhooks[webhookID]; ok {
		w.ConsecutiveFailures = 0
	}
	return nil
}

func (f *fakeStore) RecordFailure(_ context.Context, webhookID string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.webhooks[webhookID]
	w.ConsecutiveFailures++
	if w.ConsecutiveFailures >= domain.AutoDisableThreshold {
		w.IsActive = false
	}
	return w.ConsecutiveFailures, w.IsActive, nil
}

func (f *fakeStore) failureCount(webhookID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.webhooks[webhookID]; ok {
		return w.ConsecutiveFailures
	}
	return 0
}

type scheduledRetry struct {
	DeliveryID string
	At         time.Time
}

type fakeScheduler struct {
	mu      sync.Mutex
	entries []scheduledRetry
}

func (f *fakeScheduler) Enqueue(_ context.Context, deliveryID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, scheduledRetry{DeliveryID: deliveryID, At: at})
	return nil
}

func (f *fakeScheduler) all() []scheduledRetry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduledRetry(nil), f.entries...)
}

type alertCall struct {
	WebhookID string
	Failures  int
}

type fakeAlerter struct {
	calls chan alertCall
}

func newFakeAlerter() *fakeAlerter {
	return &fakeAlerter{calls: make(chan alertCall, 16)}
}

func (f *fakeAlerter) ThresholdReached(_ context.Context, webhook *domain.Webhook, _ *domain.Delivery, failures int) {
	f.calls <- alertCall{WebhookID: webhook.ID, Failures: failures}
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int) bool { return false }

func newTestDeliverer(store Store, scheduler Scheduler, alerter Alerter) *Deliverer {
	dl := NewDeliverer(store, scheduler, nil, alerter, nil, testLogger())
	dl.httpClient.Timeout = 5 * time.Second
	return dl
}

func seed(fs *fakeStore, url string) (*domain.Webhook, *domain.Delivery) {
	webhook := &domain.Webhook{
		ID:       "wh-1",
		TenantID: "tenant-1",
		Name:     "orders feed",
		URL:      url,
		Secret:   "whsec_test",
		IsActive: true,
	}
	delivery := &domain.Delivery{
		ID:          "dlv-1",
		WebhookID:   webhook.ID,
		EventType:   "sale.created",
		EventID:     "evt-1",
		Payload:     []byte(`{"event":"sale.created","event_id":"evt-1","tenant_id":"tenant-1","data":{"total":"12.50"}}`),
		Status:      domain.StatusPending,
		MaxAttempts: domain.MaxAttempts,
		CreatedAt:   time.Now(),
	}
	fs.putWebhook(webhook)
	fs.putDelivery(delivery)
	return webhook, delivery
}

func TestDeliverer_Success(t *testing.T) {
	var receivedHeaders http.Header
	var receivedBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		receivedBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Request-Id", "req-42")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	fs := newFakeStore()
	sched := &fakeScheduler{}
	_, delivery := seed(fs, server.URL)

	dl := newTestDeliverer(fs, sched, newFakeAlerter())
	outcome := dl.Deliver(context.Background(), delivery.ID)

	if outcome.Status != "success" {
		t.Fatalf("outcome = %+v, want success", outcome)
	}

	// Wire contract headers
	if got := receivedHeaders.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := receivedHeaders.Get("User-Agent"); got != "PosCloud-Webhook/1.0" {
		t.Errorf("User-Agent = %q", got)
	}
	if got := receivedHeaders.Get("X-Webhook-Event"); got != "sale.created" {
		t.Errorf("X-Webhook-Event = %q", got)
	}
	if got := receivedHeaders.Get("X-Webhook-Delivery"); got != "dlv-1" {
		t.Errorf("X-Webhook-Delivery = %q", got)
	}
	if receivedHeaders.Get("X-Webhook-Timestamp") == "" {
		t.Error("X-Webhook-Timestamp should be set")
	}

	// Round-trip: an independent verifier over the received bytes agrees
	wantSig := engine.Sign("whsec_test", receivedBody)
	if got := receivedHeaders.Get("X-Webhook-Signature"); got != wantSig {
		t.Errorf("signature mismatch:\n  got:  %s\n  want: %s", got, wantSig)
	}

	stored, _ := fs.GetDelivery(context.Background(), delivery.ID)
	if stored.Status != domain.StatusSuccess {
		t.Errorf("stored status = %s, want success", stored.Status)
	}
	if stored.ResponseStatusCode == nil || *stored.ResponseStatusCode != 200 {
		t.Error("response status code not persisted")
	}
	if stored.ResponseHeaders["X-Request-Id"] != "req-42" {
		t.Error("response headers not captured")
	}
	if stored.CompletedAt == nil || stored.SentAt == nil {
		t.Error("sent_at and completed_at should be set")
	}
	if fs.successes["wh-1"] != 1 {
		t.Errorf("RecordSuccess called %d times, want 1", fs.successes["wh-1"])
	}
	if len(sched.all()) != 0 {
		t.Error("no retry should be scheduled on success")
	}
}

func TestDeliverer_Non2xxSchedulesRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal server error"))
	}))
	defer server.Close()

	fs := newFakeStore()
	sched := &fakeScheduler{}
	_, delivery := seed(fs, server.URL)

	dl := newTestDeliverer(fs, sched, newFakeAlerter())
	before := time.Now()
	outcome := dl.Deliver(context.Background(), delivery.ID)

	if outcome.Status != "failed" || !outcome.CanRetry {
		t.Fatalf("outcome = %+v, want retryable failure", outcome)
	}
	if !strings.HasPrefix(outcome.Error, "HTTP 500:") {
		t.Errorf("error = %q, want HTTP 500 prefix", outcome.Error)
	}

	stored, _ := fs.GetDelivery(context.Background(), delivery.ID)
	if stored.Status != domain.StatusRetrying {
		t.Errorf("stored status = %s, want retrying", stored.Status)
	}
	if stored.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", stored.AttemptCount)
	}
	if stored.NextRetryAt == nil {
		t.Fatal("next_retry_at should be set")
	}
	wantRetry := before.Add(60 * time.Second)
	if stored.NextRetryAt.Before(wantRetry.Add(-2*time.Second)) || stored.NextRetryAt.After(wantRetry.Add(5*time.Second)) {
		t.Errorf("next_retry_at = %v, want ≈ %v", stored.NextRetryAt, wantRetry)
	}

	entries := sched.all()
	if len(entries) != 1 || entries[0].DeliveryID != delivery.ID {
		t.Fatalf("scheduled retries = %v, want one for %s", entries, delivery.ID)
	}
	if fs.failureCount("wh-1") != 1 {
		t.Errorf("consecutive_failures = %d, want 1", fs.failureCount("wh-1"))
	}
}

func TestDeliverer_RedirectNotFollowed(t *testing.T) {
	var followUps atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/next" {
			followUps.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Redirect(w, r, "/next", http.StatusFound)
	}))
	defer server.Close()

	fs := newFakeStore()
	sched := &fakeScheduler{}
	_, delivery := seed(fs, server.URL)

	dl := newTestDeliverer(fs, sched, newFakeAlerter())
	outcome := dl.Deliver(context.Background(), delivery.ID)

	if outcome.Status != "failed" {
		t.Fatalf("outcome = %+v, want failure", outcome)
	}
	if !strings.HasPrefix(outcome.Error, "HTTP 302:") {
		t.Errorf("error = %q, want HTTP 302 prefix", outcome.Error)
	}
	if followUps.Load() != 0 {
		t.Error("redirect target should never be requested")
	}
}

func TestDeliverer_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	fs := newFakeStore()
	sched := &fakeScheduler{}
	_, delivery := seed(fs, server.URL)

	dl := newTestDeliverer(fs, sched, newFakeAlerter())
	dl.httpClient.Timeout = 100 * time.Millisecond

	outcome := dl.Deliver(context.Background(), delivery.ID)

	if outcome.Status != "failed" {
		t.Fatalf("outcome = %+v, want failure", outcome)
	}
	if outcome.Error != "Request timed out after 30 seconds" {
		t.Errorf("error = %q, want timeout message", outcome.Error)
	}
}

func TestDeliverer_ConnectionError(t *testing.T) {
	fs := newFakeStore()
	sched := &fakeScheduler{}
	// Port 1 is never listening; the dial fails immediately.
	_, delivery := seed(fs, "http://127.0.0.1:1/hooks")

	dl := newTestDeliverer(fs, sched, newFakeAlerter())
	outcome := dl.Deliver(context.Background(), delivery.ID)

	if outcome.Status != "failed" {
		t.Fatalf("outcome = %+v, want failure", outcome)
	}
	if !strings.HasPrefix(outcome.Error, "Request failed:") {
		t.Errorf("error = %q, want Request failed prefix", outcome.Error)
	}
}

func TestDeliverer_InactiveWebhookSkipsCounters(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	fs := newFakeStore()
	sched := &fakeScheduler{}
	webhook, delivery := seed(fs, server.URL)
	webhook.IsActive = false
	fs.putWebhook(webhook)

	dl := newTestDeliverer(fs, sched, newFakeAlerter())
	outcome := dl.Deliver(context.Background(), delivery.ID)

	if outcome.Status != "failed" || outcome.CanRetry {
		t.Fatalf("outcome = %+v, want terminal failure", outcome)
	}
	if !strings.Contains(outcome.Error, "deactivated") {
		t.Errorf("error = %q, want mention of deactivation", outcome.Error)
	}
	if hits.Load() != 0 {
		t.Error("no HTTP request should be made for an inactive webhook")
	}

	stored, _ := fs.GetDelivery(context.Background(), delivery.ID)
	if stored.Status != domain.StatusFailed {
		t.Errorf("stored status = %s, want failed", stored.Status)
	}
	if stored.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0 (no attempt consumed)", stored.AttemptCount)
	}
	if fs.failureCount("wh-1") != 0 {
		t.Error("a deactivated webhook must not count against itself")
	}
	if len(sched.all()) != 0 {
		t.Error("no retry should be scheduled")
	}
}

func TestDeliverer_DeliveryNotFound(t *testing.T) {
	fs := newFakeStore()
	dl := newTestDeliverer(fs, &fakeScheduler{}, newFakeAlerter())

	outcome := dl.Deliver(context.Background(), "missing")
	if outcome.Status != "failed" || outcome.Error != "delivery not found" {
		t.Errorf("outcome = %+v, want not-found failure", outcome)
	}
}

func TestDeliverer_TerminalDeliverySkipped(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	fs := newFakeStore()
	_, delivery := seed(fs, server.URL)
	delivery.MarkSuccess(domain.AttemptResult{SentAt: time.Now()}, time.Now())
	fs.putDelivery(delivery)

	dl := newTestDeliverer(fs, &fakeScheduler{}, newFakeAlerter())
	outcome := dl.Deliver(context.Background(), delivery.ID)

	if outcome.Status != "skipped" {
		t.Errorf("outcome = %+v, want skipped replay", outcome)
	}
	if hits.Load() != 0 {
		t.Error("replayed terminal delivery must not hit the receiver")
	}
}

func TestDeliverer_ExhaustsAttemptBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fs := newFakeStore()
	sched := &fakeScheduler{}
	_, delivery := seed(fs, server.URL)

	dl := newTestDeliverer(fs, sched, newFakeAlerter())
	ctx := context.Background()

	var outcome Outcome
	for i := 0; i < domain.MaxAttempts; i++ {
		outcome = dl.Deliver(ctx, delivery.ID)
	}

	if outcome.CanRetry {
		t.Error("final outcome should not be retryable")
	}

	stored, _ := fs.GetDelivery(ctx, delivery.ID)
	if stored.Status != domain.StatusFailed {
		t.Errorf("stored status = %s, want failed", stored.Status)
	}
	if stored.AttemptCount != domain.MaxAttempts {
		t.Errorf("attempt_count = %d, want %d", stored.AttemptCount, domain.MaxAttempts)
	}
	if stored.NextRetryAt != nil {
		t.Error("exhausted delivery should have no next_retry_at")
	}
	// The final attempt schedules nothing
	if got := len(sched.all()); got != domain.MaxAttempts-1 {
		t.Errorf("scheduled retries = %d, want %d", got, domain.MaxAttempts-1)
	}
}

func TestDeliverer_RetryThenRecover(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	fs := newFakeStore()
	sched := &fakeScheduler{}
	_, delivery := seed(fs, server.URL)

	dl := newTestDeliverer(fs, sched, newFakeAlerter())
	ctx := context.Background()

	dl.Deliver(ctx, delivery.ID)
	outcome := dl.Deliver(ctx, delivery.ID)

	if outcome.Status != "success" {
		t.Fatalf("second attempt outcome = %+v, want success", outcome)
	}

	stored, _ := fs.GetDelivery(ctx, delivery.ID)
	if stored.Status != domain.StatusSuccess {
		t.Errorf("stored status = %s, want success", stored.Status)
	}
	// Success does not increment attempt_count past the failed attempt
	if stored.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", stored.AttemptCount)
	}
	if fs.failureCount("wh-1") != 0 {
		t.Error("success should reset consecutive_failures")
	}
}

func TestDeliverer_AlertsOnThresholds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fs := newFakeStore()
	sched := &fakeScheduler{}
	webhook, delivery := seed(fs, server.URL)
	webhook.ConsecutiveFailures = 2 // next failure crosses the first threshold
	fs.putWebhook(webhook)

	alerter := newFakeAlerter()
	dl := newTestDeliverer(fs, sched, alerter)

	dl.Deliver(context.Background(), delivery.ID)

	select {
	case call := <-alerter.calls:
		if call.Failures != 3 || call.WebhookID != "wh-1" {
			t.Errorf("alert call = %+v, want failures=3", call)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an alert at the 3-failure threshold")
	}
}

func TestDeliverer_NoAlertBetweenThresholds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fs := newFakeStore()
	webhook, delivery := seed(fs, server.URL)
	webhook.ConsecutiveFailures = 3 // next failure lands on 4, no alert
	fs.putWebhook(webhook)

	alerter := newFakeAlerter()
	dl := newTestDeliverer(fs, &fakeScheduler{}, alerter)

	dl.Deliver(context.Background(), delivery.ID)

	select {
	case call := <-alerter.calls:
		t.Fatalf("unexpected alert at %d failures", call.Failures)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDeliverer_RateLimitedDefersWithoutAttempt(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	fs := newFakeStore()
	sched := &fakeScheduler{}
	_, delivery := seed(fs, server.URL)

	dl := NewDeliverer(fs, sched, denyAll{}, newFakeAlerter(), nil, testLogger())
	outcome := dl.Deliver(context.Background(), delivery.ID)

	if outcome.Status != "deferred" {
		t.Fatalf("outcome = %+v, want deferred", outcome)
	}
	if hits.Load() != 0 {
		t.Error("rate-limited delivery must not reach the receiver")
	}

	stored, _ := fs.GetDelivery(context.Background(), delivery.ID)
	if stored.AttemptCount != 0 || stored.Status != domain.StatusPending {
		t.Errorf("deferral must not consume an attempt: %+v", stored)
	}
	entries := sched.all()
	if len(entries) != 1 {
		t.Fatalf("expected one deferral enqueue, got %d", len(entries))
	}
	if until := time.Until(entries[0].At); until > 2*time.Second {
		t.Errorf("deferral scheduled %v out, want ≈1s", until)
	}
}

func TestDeliverer_TruncatesResponseBody(t *testing.T) {
	big := strings.Repeat("x", domain.MaxResponseBodyBytes*2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(big))
	}))
	defer server.Close()

	fs := newFakeStore()
	_, delivery := seed(fs, server.URL)

	dl := newTestDeliverer(fs, &fakeScheduler{}, newFakeAlerter())
	dl.Deliver(context.Background(), delivery.ID)

	stored, _ := fs.GetDelivery(context.Background(), delivery.ID)
	if stored.ResponseBody == nil {
		t.Fatal("response body should be stored")
	}
	if len(*stored.ResponseBody) != domain.MaxResponseBodyBytes {
		t.Errorf("stored body = %d bytes, want %d", len(*stored.ResponseBody), domain.MaxResponseBodyBytes)
	}
}
