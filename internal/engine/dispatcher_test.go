package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/poscloud/webhook-engine/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeFinder struct {
	hooks []domain.Webhook
	err   error
}

func (f *fakeFinder) FindSubscribed(_ context.Context, _, _ string) ([]domain.Webhook, error) {
	return f.hooks, f.err
}

type fakeCreator struct {
	created []*domain.Delivery
	err     error
}

func (f *fakeCreator) CreateDelivery(_ context.Context, d *domain.Delivery) error {
	if f.err != nil {
		return f.err
	}
	cp := *d
	f.created = append(f.created, &cp)
	return nil
}

func newTestDispatcher(t *testing.T, finder *fakeFinder, creator *fakeCreator) (*Dispatcher, *Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	queue := NewQueue(client)
	return NewDispatcher(finder, creator, queue, testLogger()), queue
}

func TestDispatcher_FansOutToSubscribers(t *testing.T) {
	finder := &fakeFinder{hooks: []domain.Webhook{
		{ID: "wh-1", TenantID: "tenant-1", IsActive: true},
		{ID: "wh-2", TenantID: "tenant-1", IsActive: true},
	}}
	creator := &fakeCreator{}
	dp, queue := newTestDispatcher(t, finder, creator)

	ctx := context.Background()
	data := json.RawMessage(`{"sale_id":"s-9","total":"12.50"}`)
	triggered, err := dp.TriggerEvent(ctx, "sale.created", "evt-1", data, "tenant-1")
	if err != nil {
		t.Fatalf("TriggerEvent: %v", err)
	}
	if triggered != 2 {
		t.Fatalf("triggered = %d, want 2", triggered)
	}
	if len(creator.created) != 2 {
		t.Fatalf("created %d deliveries, want 2", len(creator.created))
	}

	first := creator.created[0]
	if first.WebhookID != "wh-1" || first.Status != domain.StatusPending {
		t.Errorf("first delivery = %+v", first)
	}
	if first.MaxAttempts != domain.MaxAttempts || first.AttemptCount != 0 {
		t.Errorf("attempt budget = %d/%d", first.AttemptCount, first.MaxAttempts)
	}

	// All fanned-out deliveries carry the same envelope bytes
	if string(creator.created[0].Payload) != string(creator.created[1].Payload) {
		t.Error("payload bytes should be identical across the fan-out")
	}

	var envelope struct {
		Event     string          `json:"event"`
		EventID   string          `json:"event_id"`
		Timestamp string          `json:"timestamp"`
		TenantID  string          `json:"tenant_id"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(first.Payload, &envelope); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if envelope.Event != "sale.created" || envelope.EventID != "evt-1" || envelope.TenantID != "tenant-1" {
		t.Errorf("envelope = %+v", envelope)
	}
	if _, err := time.Parse(time.RFC3339, envelope.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", envelope.Timestamp, err)
	}
	if string(envelope.Data) != string(data) {
		t.Errorf("data = %s, want %s", envelope.Data, data)
	}

	// Both deliveries are immediately due on the queue
	due, err := queue.ClaimDue(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(due) != 2 {
		t.Errorf("due deliveries = %d, want 2", len(due))
	}
}

func TestDispatcher_NoSubscribers(t *testing.T) {
	creator := &fakeCreator{}
	dp, queue := newTestDispatcher(t, &fakeFinder{}, creator)

	ctx := context.Background()
	triggered, err := dp.TriggerEvent(ctx, "sale.created", "evt-1", nil, "tenant-1")
	if err != nil {
		t.Fatalf("TriggerEvent: %v", err)
	}
	if triggered != 0 {
		t.Errorf("triggered = %d, want 0", triggered)
	}
	if len(creator.created) != 0 {
		t.Error("no deliveries should be created")
	}
	depth, _ := queue.Depth(ctx)
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestDispatcher_FinderErrorPropagates(t *testing.T) {
	finder := &fakeFinder{err: errors.New("pool exhausted")}
	dp, _ := newTestDispatcher(t, finder, &fakeCreator{})

	if _, err := dp.TriggerEvent(context.Background(), "sale.created", "evt-1", nil, "tenant-1"); err == nil {
		t.Fatal("expected store error to propagate")
	}
}

func TestDispatcher_CreateErrorStopsFanOut(t *testing.T) {
	finder := &fakeFinder{hooks: []domain.Webhook{{ID: "wh-1"}}}
	creator := &fakeCreator{err: errors.New("constraint violation")}
	dp, queue := newTestDispatcher(t, finder, creator)

	ctx := context.Background()
	triggered, err := dp.TriggerEvent(ctx, "sale.created", "evt-1", nil, "tenant-1")
	if err == nil {
		t.Fatal("expected persistence error to propagate")
	}
	if triggered != 0 {
		t.Errorf("triggered = %d, want 0", triggered)
	}
	depth, _ := queue.Depth(ctx)
	if depth != 0 {
		t.Errorf("nothing should be enqueued, depth = %d", depth)
	}
}

func TestDispatcher_EmptyDataDefaultsToObject(t *testing.T) {
	finder := &fakeFinder{hooks: []domain.Webhook{{ID: "wh-1"}}}
	creator := &fakeCreator{}
	dp, _ := newTestDispatcher(t, finder, creator)

	if _, err := dp.TriggerEvent(context.Background(), "sale.created", "evt-1", nil, "tenant-1"); err != nil {
		t.Fatalf("TriggerEvent: %v", err)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(creator.created[0].Payload, &envelope); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if string(envelope["data"]) != "{}" {
		t.Errorf("data = %s, want {}", envelope["data"])
	}
}
