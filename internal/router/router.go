// Package router resolves inbound Host headers to the tenant site that
// should serve them. It runs on every content request, so lookups go through
// an in-memory cache invalidated explicitly on domain status transitions.
//
// Resolution precedence:
//  1. exact match against an ACTIVE custom domain
//  2. the platform's default subdomain scheme (<slug>.canopy.site)
//  3. UnknownHost — the router fails closed rather than guessing, because
//     serving the wrong tenant's content is a cross-tenant exposure.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canopyhq/canopy/internal/domain/event"
	"github.com/canopyhq/canopy/internal/domain/model"
	"github.com/canopyhq/canopy/internal/domain/repository"
	"github.com/canopyhq/canopy/internal/sites"
	"github.com/canopyhq/canopy/pkg/hostname"
)

// ErrUnknownHost is returned when no tenant site serves the hostname. The
// content edge translates it to a 404.
var ErrUnknownHost = errors.New("unknown host")

// Route is the resolution result handed to the content-serving edge.
type Route struct {
	TenantID string    `json:"tenant_id"`
	SiteID   uuid.UUID `json:"site_id"`
}

// domainStore is the registry read surface the resolver needs.
// *repository.DomainRepository satisfies it.
type domainStore interface {
	GetActiveByHostname(ctx context.Context, host string) (*model.CustomDomain, error)
}

// siteStore is the published-site read surface. *sites.Registry satisfies it.
type siteStore interface {
	GetByTenant(ctx context.Context, tenantID string) (*sites.PublishedSite, error)
	GetBySlug(ctx context.Context, slug string) (*sites.PublishedSite, error)
}

// MetricsRecordFunc is an optional callback for recording cache outcomes.
type MetricsRecordFunc func(hit bool)

// Config holds resolver configuration.
type Config struct {
	// PlatformDomain is the apex under which default subdomains live,
	// e.g. "canopy.site".
	PlatformDomain string
	// CacheTTL bounds entry lifetime. 0 disables caching (tests only).
	CacheTTL time.Duration
}

// Resolver maps hostnames to tenant sites.
type Resolver struct {
	cfg       Config
	domains   domainStore
	sites     siteStore
	cache     *routeCache
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a Resolver.
func New(cfg Config, domains domainStore, siteReg siteStore, logger *zap.Logger) *Resolver {
	r := &Resolver{
		cfg:     cfg,
		domains: domains,
		sites:   siteReg,
		logger:  logger,
	}
	if cfg.CacheTTL > 0 {
		r.cache = newRouteCache(cfg.CacheTTL)
	}
	return r
}

// SetMetricsRecorder configures the cache metrics callback.
func (r *Resolver) SetMetricsRecorder(fn MetricsRecordFunc) {
	r.onMetrics = fn
}

// Resolve maps an inbound Host header to the tenant site that serves it.
func (r *Resolver) Resolve(ctx context.Context, rawHost string) (Route, error) {
	host := hostname.Normalize(rawHost)
	if host == "" {
		return Route{}, ErrUnknownHost
	}

	if r.cache != nil {
		if e, ok := r.cache.get(host); ok {
			if r.onMetrics != nil {
				r.onMetrics(true)
			}
			return Route{TenantID: e.tenantID, SiteID: e.siteID}, nil
		}
	}
	if r.onMetrics != nil {
		r.onMetrics(false)
	}

	route, err := r.lookup(ctx, host)
	if err != nil {
		return Route{}, err
	}

	if r.cache != nil {
		r.cache.set(host, route.TenantID, route.SiteID)
	}
	return route, nil
}

// lookup performs the uncached resolution in precedence order.
func (r *Resolver) lookup(ctx context.Context, host string) (Route, error) {
	// 1. Exact ACTIVE custom domain.
	d, err := r.domains.GetActiveByHostname(ctx, host)
	switch {
	case err == nil:
		site, err := r.sites.GetByTenant(ctx, d.TenantID)
		if err != nil {
			if errors.Is(err, sites.ErrSiteNotFound) {
				// Domain is active but the tenant unpublished their site.
				// Fail closed rather than serve a stale descriptor.
				return Route{}, ErrUnknownHost
			}
			return Route{}, fmt.Errorf("resolve site for tenant %s: %w", d.TenantID, err)
		}
		return Route{TenantID: d.TenantID, SiteID: site.SiteID}, nil
	case errors.Is(err, repository.ErrDomainNotFound):
		// fall through to the default subdomain scheme
	default:
		return Route{}, fmt.Errorf("resolve custom domain %s: %w", host, err)
	}

	// 2. Default subdomain: <slug>.<platform domain>.
	if slug, ok := hostname.Slug(host, r.cfg.PlatformDomain); ok {
		site, err := r.sites.GetBySlug(ctx, slug)
		if err != nil {
			if errors.Is(err, sites.ErrSiteNotFound) {
				return Route{}, ErrUnknownHost
			}
			return Route{}, fmt.Errorf("resolve slug %s: %w", slug, err)
		}
		return Route{TenantID: site.TenantID, SiteID: site.SiteID}, nil
	}

	// 3. Nothing serves this hostname.
	return Route{}, ErrUnknownHost
}

// HandleStatusChange is the event.Listener invalidating the cache. It fires
// on every transition touching a hostname, not just departures from ACTIVE,
// so a removal racing an in-flight request can never leave a stale entry.
func (r *Resolver) HandleStatusChange(ev event.StatusChange) {
	if r.cache == nil {
		return
	}
	r.cache.invalidate(ev.Hostname)
	r.logger.Debug("route cache invalidated",
		zap.String("hostname", ev.Hostname),
		zap.String("from", ev.From),
		zap.String("to", ev.To),
	)
}

// CacheStats returns the current cache size (for metrics/health).
func (r *Resolver) CacheStats() int {
	if r.cache == nil {
		return 0
	}
	return r.cache.len()
}

// StartCacheEviction starts a background goroutine that periodically evicts
// expired cache entries until ctx is cancelled.
func (r *Resolver) StartCacheEviction(ctx context.Context, interval time.Duration) {
	if r.cache == nil {
		return
	}
	if interval == 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n := r.cache.evict()
				if n > 0 {
					r.logger.Debug("route cache eviction", zap.Int("evicted", n))
				}
			}
		}
	}()
}
