// Package sites is the read-only view of the Tenant Site Registry: which
// published site a tenant currently serves. The site builder owns these
// records; this service only resolves them while routing and validating
// domain registrations.
package sites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSiteNotFound is returned when no published site matches the query.
var ErrSiteNotFound = errors.New("published site not found")

// Section is one ordered building block of a published site. Opaque here;
// the content edge interprets it.
type Section struct {
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config"`
}

// PublishedSite is a tenant's currently published storefront.
type PublishedSite struct {
	SiteID      uuid.UUID `json:"site_id"`
	TenantID    string    `json:"tenant_id"`
	Slug        string    `json:"slug"`
	Sections    []Section `json:"sections"`
	PublishedAt time.Time `json:"published_at"`
}

// Registry resolves published sites from PostgreSQL.
type Registry struct {
	db *pgxpool.Pool
}

// NewRegistry creates a site Registry.
func NewRegistry(db *pgxpool.Pool) *Registry {
	return &Registry{db: db}
}

const siteColumns = `site_id, tenant_id, slug, sections, published_at`

// GetBySiteID returns a published site by its id.
func (r *Registry) GetBySiteID(ctx context.Context, siteID uuid.UUID) (*PublishedSite, error) {
	return r.scanOne(ctx,
		`SELECT `+siteColumns+` FROM published_sites WHERE site_id = $1`, siteID)
}

// GetByTenant returns the tenant's published site. One published site per
// tenant; republishing replaces the row.
func (r *Registry) GetByTenant(ctx context.Context, tenantID string) (*PublishedSite, error) {
	return r.scanOne(ctx,
		`SELECT `+siteColumns+` FROM published_sites WHERE tenant_id = $1`, tenantID)
}

// GetBySlug returns the published site for a tenant slug, serving the
// default-subdomain routing path.
func (r *Registry) GetBySlug(ctx context.Context, slug string) (*PublishedSite, error) {
	return r.scanOne(ctx,
		`SELECT `+siteColumns+` FROM published_sites WHERE slug = $1`, slug)
}

func (r *Registry) scanOne(ctx context.Context, query string, args ...any) (*PublishedSite, error) {
	var (
		s        PublishedSite
		sections []byte
	)
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&s.SiteID, &s.TenantID, &s.Slug, &sections, &s.PublishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSiteNotFound
		}
		return nil, fmt.Errorf("get published site: %w", err)
	}
	if err := json.Unmarshal(sections, &s.Sections); err != nil {
		return nil, fmt.Errorf("unmarshal site sections: %w", err)
	}
	return &s, nil
}
