package webhooks_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canopyhq/canopy/internal/domain/event"
	"github.com/canopyhq/canopy/internal/webhooks"
)

// stubStore keeps subscriptions in memory.
type stubStore struct {
	mu         sync.Mutex
	subs       map[uuid.UUID]*webhooks.Subscription
	deliveries []*webhooks.Delivery
}

func newStubStore() *stubStore {
	return &stubStore{subs: make(map[uuid.UUID]*webhooks.Subscription)}
}

func (s *stubStore) Create(_ context.Context, sub *webhooks.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.ID = uuid.New()
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()
	s.subs[sub.ID] = sub
	return nil
}

func (s *stubStore) GetByID(_ context.Context, id uuid.UUID) (*webhooks.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, webhooks.ErrNotFound
	}
	return sub, nil
}

func (s *stubStore) ListByTenant(_ context.Context, tenantID string) ([]*webhooks.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*webhooks.Subscription
	for _, sub := range s.subs {
		if sub.TenantID == tenantID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *stubStore) ListByEvent(_ context.Context, tenantID, eventType string) ([]*webhooks.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*webhooks.Subscription
	for _, sub := range s.subs {
		if sub.TenantID != tenantID || !sub.Active {
			continue
		}
		for _, ev := range sub.Events {
			if ev == eventType {
				out = append(out, sub)
				break
			}
		}
	}
	return out, nil
}

func (s *stubStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return webhooks.ErrNotFound
	}
	delete(s.subs, id)
	return nil
}

func (s *stubStore) RecordDelivery(_ context.Context, d *webhooks.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
	return nil
}

// ── Subscribe / Unsubscribe ───────────────────────────────────────────────────

func TestSubscribe(t *testing.T) {
	store := newStubStore()
	svc := webhooks.NewService(store, zap.NewNop())

	sub, secret, err := svc.Subscribe(context.Background(), "tenant_acme", webhooks.CreateSubscriptionRequest{
		URL:    "https://hooks.acme.example/canopy",
		Events: []string{webhooks.EventDomainActive, webhooks.EventDomainRemoved},
	})
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if secret == "" {
		t.Error("signing secret not returned")
	}
	if sub.ID == uuid.Nil || !sub.Active {
		t.Errorf("subscription = %+v", sub)
	}
}

func TestSubscribe_unknownEvent(t *testing.T) {
	svc := webhooks.NewService(newStubStore(), zap.NewNop())

	_, _, err := svc.Subscribe(context.Background(), "tenant_acme", webhooks.CreateSubscriptionRequest{
		URL:    "https://hooks.acme.example/canopy",
		Events: []string{"domain.exploded"},
	})
	if !errors.Is(err, webhooks.ErrInvalidSubscription) {
		t.Errorf("error = %v, want ErrInvalidSubscription", err)
	}
}

func TestUnsubscribe_masksForeignSubscription(t *testing.T) {
	store := newStubStore()
	svc := webhooks.NewService(store, zap.NewNop())

	sub, _, err := svc.Subscribe(context.Background(), "tenant_acme", webhooks.CreateSubscriptionRequest{
		URL:    "https://hooks.acme.example/canopy",
		Events: []string{webhooks.EventDomainActive},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Another tenant must not learn the subscription exists.
	if err := svc.Unsubscribe(context.Background(), "tenant_other", sub.ID); !errors.Is(err, webhooks.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}

	if err := svc.Unsubscribe(context.Background(), "tenant_acme", sub.ID); err != nil {
		t.Errorf("owner unsubscribe error: %v", err)
	}
}

// ── delivery ──────────────────────────────────────────────────────────────────

func TestDispatch_deliversSignedEvent(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		received <- r
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newStubStore()
	svc := webhooks.NewService(store, zap.NewNop())

	_, secret, err := svc.Subscribe(context.Background(), "tenant_acme", webhooks.CreateSubscriptionRequest{
		URL:    srv.URL,
		Events: []string{webhooks.EventDomainActive},
	})
	if err != nil {
		t.Fatal(err)
	}

	svc.Dispatch(context.Background(), "tenant_acme", webhooks.EventDomainActive, map[string]string{
		"hostname": "shop.example.com",
		"from":     "connecting",
		"to":       "active",
	})

	var req *http.Request
	select {
	case req = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never arrived")
	}

	// Receivers authenticate the platform by recomputing the HMAC.
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if got := req.Header.Get("X-Canopy-Signature"); got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}

	var ev webhooks.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Type != webhooks.EventDomainActive || ev.Payload["hostname"] != "shop.example.com" {
		t.Errorf("event = %+v", ev)
	}

	// The successful attempt is recorded.
	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.deliveries)
		store.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deliveries recorded = %d, want 1", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if d := store.deliveries[0]; !d.Success || d.StatusCode != http.StatusNoContent || d.Attempt != 1 {
		t.Errorf("delivery = %+v", d)
	}
}

func TestDispatch_filtersByEvent(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newStubStore()
	svc := webhooks.NewService(store, zap.NewNop())

	// Subscribed to removals only.
	if _, _, err := svc.Subscribe(context.Background(), "tenant_acme", webhooks.CreateSubscriptionRequest{
		URL:    srv.URL,
		Events: []string{webhooks.EventDomainRemoved},
	}); err != nil {
		t.Fatal(err)
	}

	svc.Dispatch(context.Background(), "tenant_acme", webhooks.EventDomainActive, nil)
	// Events for other tenants never reach this subscription either.
	svc.Dispatch(context.Background(), "tenant_other", webhooks.EventDomainRemoved, nil)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("deliveries = %d, want 0", calls)
	}
}

// ── status change mapping ─────────────────────────────────────────────────────

func TestHandleStatusChange_skipsIntermediateStates(t *testing.T) {
	received := make(chan webhooks.Event, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev webhooks.Event
		json.NewDecoder(r.Body).Decode(&ev) //nolint:errcheck
		received <- ev
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newStubStore()
	svc := webhooks.NewService(store, zap.NewNop())
	if _, _, err := svc.Subscribe(context.Background(), "tenant_acme", webhooks.CreateSubscriptionRequest{
		URL: srv.URL,
		Events: []string{
			webhooks.EventDomainActive,
			webhooks.EventDomainReconnecting,
			webhooks.EventDomainDNSFailed,
			webhooks.EventDomainConnectFailed,
			webhooks.EventDomainRemoved,
		},
	}); err != nil {
		t.Fatal(err)
	}

	notifier := event.NewNotifier()
	notifier.Subscribe(svc.HandleStatusChange)

	// Intermediate transitions are internal plumbing; tenants only hear about
	// the states they can act on.
	notifier.Publish(event.StatusChange{TenantID: "tenant_acme", From: "pending_dns", To: "dns_verified"})
	notifier.Publish(event.StatusChange{TenantID: "tenant_acme", From: "dns_verified", To: "connecting"})
	notifier.Publish(event.StatusChange{TenantID: "tenant_acme", Hostname: "shop.example.com", From: "connecting", To: "active"})

	select {
	case ev := <-received:
		if ev.Type != webhooks.EventDomainActive {
			t.Errorf("event type = %q, want domain.active", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("activation event never arrived")
	}

	select {
	case ev := <-received:
		t.Errorf("unexpected extra event %q", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}
