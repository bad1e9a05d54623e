// Package webhooks notifies tenants about domain lifecycle transitions.
// Subscriptions are tenant-scoped; deliveries are HMAC-signed so receivers
// can authenticate the platform.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canopyhq/canopy/internal/domain/event"
	"github.com/canopyhq/canopy/internal/domain/model"
)

// ErrInvalidSubscription is returned when a subscription request names an
// unknown event type.
var ErrInvalidSubscription = errors.New("invalid subscription")

var knownEvents = map[string]bool{
	EventDomainActive:        true,
	EventDomainReconnecting:  true,
	EventDomainDNSFailed:     true,
	EventDomainConnectFailed: true,
	EventDomainRemoved:       true,
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// subscriptionStore is the persistence surface the service needs.
// *Repository satisfies it.
type subscriptionStore interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*Subscription, error)
	ListByEvent(ctx context.Context, tenantID, eventType string) ([]*Subscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
	RecordDelivery(ctx context.Context, d *Delivery) error
}

// Service manages webhook subscriptions and event dispatching.
type Service struct {
	repo       subscriptionStore
	httpClient *http.Client
	onMetrics  MetricsRecorder
	logger     *zap.Logger
}

// NewService creates a new webhook Service.
func NewService(repo subscriptionStore, logger *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// Subscribe creates a new webhook subscription with a generated HMAC
// secret. The secret is returned alongside the subscription exactly once.
func (s *Service) Subscribe(ctx context.Context, tenantID string, req CreateSubscriptionRequest) (*Subscription, string, error) {
	for _, ev := range req.Events {
		if !knownEvents[ev] {
			return nil, "", fmt.Errorf("%w: unknown event type %q", ErrInvalidSubscription, ev)
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generate secret: %w", err)
	}

	sub := &Subscription{
		TenantID: tenantID,
		URL:      req.URL,
		Events:   req.Events,
		Secret:   secret,
	}

	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, "", fmt.Errorf("create subscription: %w", err)
	}

	return sub, secret, nil
}

// Unsubscribe deletes a subscription, checking ownership. A subscription
// owned by another tenant reads as not found, it is never disclosed.
func (s *Service) Unsubscribe(ctx context.Context, tenantID string, subID uuid.UUID) error {
	sub, err := s.repo.GetByID(ctx, subID)
	if err != nil {
		return err
	}
	if sub.TenantID != tenantID {
		return ErrNotFound
	}
	return s.repo.Delete(ctx, subID)
}

// ListByTenant returns all subscriptions for a tenant.
func (s *Service) ListByTenant(ctx context.Context, tenantID string) ([]*Subscription, error) {
	return s.repo.ListByTenant(ctx, tenantID)
}

// HandleStatusChange is the event.Listener translating domain status
// transitions into webhook events. Dispatch is asynchronous so the
// reconciliation loop never waits on a tenant's endpoint.
func (s *Service) HandleStatusChange(ev event.StatusChange) {
	eventType := eventTypeFor(model.DomainStatus(ev.To))
	if eventType == "" {
		return
	}
	go s.Dispatch(context.Background(), ev.TenantID, eventType, map[string]string{
		"domain_id": ev.DomainID,
		"hostname":  ev.Hostname,
		"from":      ev.From,
		"to":        ev.To,
	})
}

// eventTypeFor maps the statuses tenants care about to event types.
// Intermediate states (pending, verified, connecting) are not dispatched.
func eventTypeFor(status model.DomainStatus) string {
	switch status {
	case model.StatusActive:
		return EventDomainActive
	case model.StatusReconnecting:
		return EventDomainReconnecting
	case model.StatusDNSFailed:
		return EventDomainDNSFailed
	case model.StatusConnectFailed:
		return EventDomainConnectFailed
	case model.StatusRemoved:
		return EventDomainRemoved
	}
	return ""
}

// Dispatch fans out an event to the tenant's matching subscriptions.
func (s *Service) Dispatch(ctx context.Context, tenantID, eventType string, payload map[string]string) {
	subs, err := s.repo.ListByEvent(ctx, tenantID, eventType)
	if err != nil {
		s.logger.Error("webhook: list subscribers", zap.Error(err))
		return
	}

	ev := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	for _, sub := range subs {
		go s.deliver(ctx, sub, ev)
	}
}

// deliver sends the event to a single subscription with retries.
func (s *Service) deliver(ctx context.Context, sub *Subscription, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	signature := signPayload(body, sub.Secret)

	// Retry with exponential backoff: 1s, 5s, 25s between attempts.
	delays := []time.Duration{1 * time.Second, 5 * time.Second, 25 * time.Second}

	for attempt := 1; attempt <= len(delays)+1; attempt++ {
		if attempt > 1 {
			time.Sleep(delays[attempt-2])
		}

		success, statusCode, errMsg := s.doDelivery(ctx, sub.URL, body, signature)

		delivery := &Delivery{
			SubscriptionID: sub.ID,
			EventType:      ev.Type,
			StatusCode:     statusCode,
			Attempt:        attempt,
			Success:        success,
			ErrorMessage:   errMsg,
		}
		if recordErr := s.repo.RecordDelivery(ctx, delivery); recordErr != nil {
			s.logger.Warn("webhook: record delivery", zap.Error(recordErr))
		}

		if s.onMetrics != nil {
			s.onMetrics(success)
		}

		if success {
			return
		}

		s.logger.Warn("webhook: delivery failed",
			zap.String("url", sub.URL),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (s *Service) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Canopy-Signature", signature)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return success, resp.StatusCode, errMsg
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// generateSecret creates a random 32-byte hex-encoded secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
