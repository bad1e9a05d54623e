package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a webhook subscription is not found.
var ErrNotFound = errors.New("webhook subscription not found")

const subscriptionCols = `id, tenant_id, url, events, secret, active, created_at`

// Repository provides persistence for webhook subscriptions and deliveries.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new webhook Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new webhook subscription.
func (r *Repository) Create(ctx context.Context, sub *Subscription) error {
	sub.ID = uuid.New()
	sub.CreatedAt = time.Now().UTC()
	sub.Active = true

	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_subscriptions (`+subscriptionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.TenantID, sub.URL, sub.Events, sub.Secret, sub.Active, sub.CreatedAt,
	)
	return err
}

// GetByID retrieves a subscription by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionCols+` FROM webhook_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, ErrNotFound
	}
	return sub, nil
}

// ListByTenant returns all subscriptions for a tenant.
func (r *Repository) ListByTenant(ctx context.Context, tenantID string) ([]*Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionCols+`
		 FROM webhook_subscriptions
		 WHERE tenant_id = $1
		 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	return collectSubscriptions(rows)
}

// ListByEvent returns a tenant's active subscriptions listening for a given
// event type. Domain events are tenant-scoped; one tenant never sees
// another's transitions.
func (r *Repository) ListByEvent(ctx context.Context, tenantID, eventType string) ([]*Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionCols+`
		 FROM webhook_subscriptions
		 WHERE tenant_id = $1 AND active = true AND $2 = ANY(events)
		 ORDER BY created_at`, tenantID, eventType)
	if err != nil {
		return nil, err
	}
	return collectSubscriptions(rows)
}

// Delete removes a subscription.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDelivery records a webhook delivery attempt.
func (r *Repository) RecordDelivery(ctx context.Context, d *Delivery) error {
	d.ID = uuid.New()
	d.DeliveredAt = time.Now().UTC()

	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_deliveries (id, subscription_id, event_type, status_code, attempt, success, error_message, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.SubscriptionID, d.EventType,
		d.StatusCode, d.Attempt, d.Success, d.ErrorMessage, d.DeliveredAt,
	)
	return err
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(&sub.ID, &sub.TenantID, &sub.URL, &sub.Events, &sub.Secret, &sub.Active, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]*Subscription, error) {
	defer rows.Close()
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
