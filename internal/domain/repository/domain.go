package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canopyhq/canopy/internal/domain/model"
)

// Sentinel errors for the custom domain repository.
var (
	// ErrDomainNotFound is returned when no domain matches the query.
	ErrDomainNotFound = errors.New("custom domain not found")
	// ErrHostnameClaimed is returned when the hostname already belongs to a
	// live (non-removed) domain record.
	ErrHostnameClaimed = errors.New("hostname already claimed")
	// ErrHostnameCooldown is returned when the hostname was recently removed
	// and its re-claim grace period has not elapsed.
	ErrHostnameCooldown = errors.New("hostname recently removed; still in re-claim cooldown")
	// ErrStaleStatus is returned by UpdateState when the record's status no
	// longer matches the state the caller read — typically a concurrent
	// removal. The caller must re-read and abandon its step.
	ErrStaleStatus = errors.New("domain status changed concurrently")
)

const domainColumns = `id, tenant_id, hostname, status, verification_token, dns_records,
	hosting_binding_id, certificate_status, last_checked_at, failure_reason,
	retry_count, next_retry_at, created_at, updated_at, removed_at`

// DomainRepository provides persistence for custom domains against
// PostgreSQL.
type DomainRepository struct {
	db *pgxpool.Pool
}

// NewDomainRepository creates a new DomainRepository.
func NewDomainRepository(db *pgxpool.Pool) *DomainRepository {
	return &DomainRepository{db: db}
}

// Create inserts a new domain claim. The hostname must not be held by any
// live record, and if its most recent removal is younger than
// reclaimCooldown the claim is refused so a lapsed domain cannot be raced
// away from its previous owner.
func (r *DomainRepository) Create(ctx context.Context, d *model.CustomDomain, reclaimCooldown time.Duration) error {
	records, err := json.Marshal(d.DNSRecords)
	if err != nil {
		return fmt.Errorf("marshal dns records: %w", err)
	}

	d.ID = uuid.New()
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		liveCount   int
		lastRemoved *time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE status <> 'removed'),
		        max(removed_at)  FILTER (WHERE status =  'removed')
		 FROM custom_domains WHERE hostname = $1`, d.Hostname,
	).Scan(&liveCount, &lastRemoved)
	if err != nil {
		return fmt.Errorf("check hostname claim: %w", err)
	}
	if liveCount > 0 {
		return ErrHostnameClaimed
	}
	if lastRemoved != nil && now.Sub(*lastRemoved) < reclaimCooldown {
		return ErrHostnameCooldown
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO custom_domains (
			id, tenant_id, hostname, status, verification_token, dns_records,
			certificate_status, failure_reason, retry_count, next_retry_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, '', 0, $8, $9, $10)`,
		d.ID, d.TenantID, d.Hostname, d.Status, d.VerificationToken, records,
		d.CertificateStatus, d.NextRetryAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		// Concurrent claim racing past the tx-level check trips the partial
		// unique index on live hostnames.
		if isUniqueViolation(err) {
			return ErrHostnameClaimed
		}
		return fmt.Errorf("insert custom domain: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit claim tx: %w", err)
	}
	return nil
}

// GetByID retrieves a domain by its UUID.
func (r *DomainRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.CustomDomain, error) {
	query := `SELECT ` + domainColumns + ` FROM custom_domains WHERE id = $1`
	return r.scanOne(ctx, query, id)
}

// GetActiveByHostname retrieves the ACTIVE domain serving hostname, if any.
// This is the routing hot path's registry read; non-active records are
// invisible to it by construction.
func (r *DomainRepository) GetActiveByHostname(ctx context.Context, host string) (*model.CustomDomain, error) {
	query := `SELECT ` + domainColumns + ` FROM custom_domains WHERE hostname = $1 AND status = 'active'`
	return r.scanOne(ctx, query, host)
}

// ListByTenant returns all non-removed domains owned by a tenant, newest
// first. Tenants hold few domains; the list is finite, never paged.
func (r *DomainRepository) ListByTenant(ctx context.Context, tenantID string) ([]*model.CustomDomain, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+domainColumns+` FROM custom_domains
		 WHERE tenant_id = $1 AND status <> 'removed'
		 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// ListDue returns domains needing a reconciliation step: records whose
// backoff deadline has passed, plus ACTIVE records due a health check.
// Terminal states are excluded; they wait for tenant action.
func (r *DomainRepository) ListDue(ctx context.Context, healthInterval time.Duration, limit int) ([]*model.CustomDomain, error) {
	now := time.Now().UTC()
	rows, err := r.db.Query(ctx,
		`SELECT `+domainColumns+` FROM custom_domains
		 WHERE (status IN ('pending_dns', 'dns_verified', 'connecting', 'reconnecting')
		        AND (next_retry_at IS NULL OR next_retry_at <= $1))
		    OR (status = 'active'
		        AND (last_checked_at IS NULL OR last_checked_at <= $2))
		 ORDER BY next_retry_at NULLS FIRST
		 LIMIT $3`,
		now, now.Add(-healthInterval), limit)
	if err != nil {
		return nil, fmt.Errorf("list due domains: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// UpdateState persists the mutable reconciliation fields of d, but only if
// the stored status still equals fromStatus. A zero-row update means the
// record moved underneath us (most often a concurrent removal) and the
// caller's step must be abandoned.
func (r *DomainRepository) UpdateState(ctx context.Context, d *model.CustomDomain, fromStatus model.DomainStatus) error {
	d.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx,
		`UPDATE custom_domains SET
			status = $1, hosting_binding_id = $2, certificate_status = $3,
			last_checked_at = $4, failure_reason = $5, retry_count = $6,
			next_retry_at = $7, updated_at = $8
		 WHERE id = $9 AND status = $10`,
		d.Status, nullable(d.HostingBindingID), d.CertificateStatus,
		d.LastCheckedAt, d.FailureReason, d.RetryCount,
		d.NextRetryAt, d.UpdatedAt, d.ID, fromStatus,
	)
	if err != nil {
		return fmt.Errorf("update domain state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// MarkRemoved transitions a domain to REMOVED from whatever state it is in.
// Idempotent: removing an already-removed domain is a no-op.
func (r *DomainRepository) MarkRemoved(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	tag, err := r.db.Exec(ctx,
		`UPDATE custom_domains SET
			status = 'removed', removed_at = $1, next_retry_at = NULL,
			updated_at = $1
		 WHERE id = $2 AND status <> 'removed'`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("mark domain removed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either already removed (fine) or missing entirely.
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// CountByStatus returns the number of domains per status, for metrics.
func (r *DomainRepository) CountByStatus(ctx context.Context) (map[model.DomainStatus]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, count(*) FROM custom_domains GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count domains: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.DomainStatus]int)
	for rows.Next() {
		var (
			status model.DomainStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan domain count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *DomainRepository) scanOne(ctx context.Context, query string, args ...any) (*model.CustomDomain, error) {
	d, err := scanDomain(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDomainNotFound
		}
		return nil, fmt.Errorf("get custom domain: %w", err)
	}
	return d, nil
}

func scanAll(rows pgx.Rows) ([]*model.CustomDomain, error) {
	var out []*model.CustomDomain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan custom domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDomain(row pgx.Row) (*model.CustomDomain, error) {
	var (
		d         model.CustomDomain
		records   []byte
		bindingID *string
	)
	err := row.Scan(
		&d.ID, &d.TenantID, &d.Hostname, &d.Status, &d.VerificationToken,
		&records, &bindingID, &d.CertificateStatus, &d.LastCheckedAt,
		&d.FailureReason, &d.RetryCount, &d.NextRetryAt,
		&d.CreatedAt, &d.UpdatedAt, &d.RemovedAt,
	)
	if err != nil {
		return nil, err
	}
	if bindingID != nil {
		d.HostingBindingID = *bindingID
	}
	if err := json.Unmarshal(records, &d.DNSRecords); err != nil {
		return nil, fmt.Errorf("unmarshal dns records: %w", err)
	}
	return &d, nil
}

// nullable maps "" to NULL for columns where absence is meaningful.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation reports a Postgres 23505 error.
func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}
