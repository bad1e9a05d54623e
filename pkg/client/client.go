// Package client provides the Canopy Go SDK for managing custom domains
// and resolving hostnames against the routing service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Sentinel errors mapped from API responses.
var (
	// ErrNotFound is returned when the requested resource does not exist or
	// belongs to another tenant.
	ErrNotFound = errors.New("not found")
	// ErrHostnameClaimed is returned when the hostname is already claimed.
	ErrHostnameClaimed = errors.New("hostname already claimed")
	// ErrUnknownHost is returned by Resolve when no site serves the hostname.
	ErrUnknownHost = errors.New("no site serves this host")
	// ErrDomainRemoved is returned when operating on a removed domain.
	ErrDomainRemoved = errors.New("domain has been removed")
)

// DNSRecord is one record the tenant must create at their DNS provider.
type DNSRecord struct {
	Kind  string `json:"kind"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Domain is the custom domain record returned by the API.
type Domain struct {
	ID                string      `json:"id"`
	TenantID          string      `json:"tenant_id"`
	Hostname          string      `json:"hostname"`
	Status            string      `json:"status"`
	DNSRecords        []DNSRecord `json:"dns_records"`
	CertificateStatus string      `json:"certificate_status"`
	FailureReason     string      `json:"failure_reason,omitempty"`
	RetryCount        int         `json:"retry_count"`
	NextRetryAt       *time.Time  `json:"next_retry_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Route is the resolution result for a hostname.
type Route struct {
	Host     string `json:"host"`
	TenantID string `json:"tenant_id"`
	SiteID   string `json:"site_id"`
}

// Subscription is a webhook subscription record.
type Subscription struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Client is the Canopy SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client

	bearerToken string
	adminKey    string

	cache *routeCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBearerToken attaches a tenant session token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearerToken = token }
}

// WithAdminKey attaches the platform operator key to every request.
func WithAdminKey(key string) Option {
	return func(c *Client) { c.adminKey = key }
}

// WithCacheTTL enables in-memory caching of Resolve results.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.cache = newRouteCache(ttl) }
}

// New creates a Client connected to baseURL, e.g. "https://api.canopy.site".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RegisterDomain claims a hostname. tenantID is only honored for admin-key
// clients; tenant-token clients always act as themselves.
func (c *Client) RegisterDomain(ctx context.Context, tenantID, hostname string) (*Domain, error) {
	payload, _ := json.Marshal(map[string]string{
		"hostname":  hostname,
		"tenant_id": tenantID,
	})

	body, err := c.do(ctx, http.MethodPost, "/api/v1/domains", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	var resp struct {
		Domain Domain `json:"domain"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode domain response: %w", err)
	}
	return &resp.Domain, nil
}

// GetDomain fetches a single domain by id.
func (c *Client) GetDomain(ctx context.Context, id string) (*Domain, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/domains/"+id, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Domain Domain `json:"domain"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode domain response: %w", err)
	}
	return &resp.Domain, nil
}

// ListDomains returns the calling tenant's domains. Admin-key clients pass
// tenantID; tenant-token clients pass "".
func (c *Client) ListDomains(ctx context.Context, tenantID string) ([]Domain, error) {
	path := "/api/v1/domains"
	if tenantID != "" {
		path += "?tenant_id=" + url.QueryEscape(tenantID)
	}
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Domains []Domain `json:"domains"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode domains response: %w", err)
	}
	return resp.Domains, nil
}

// RemoveDomain disconnects and removes a domain. Idempotent.
func (c *Client) RemoveDomain(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/domains/"+id, nil)
	return err
}

// RequestVerification asks for an immediate verification attempt. The
// returned domain reflects the state at request time; verification itself
// completes asynchronously.
func (c *Client) RequestVerification(ctx context.Context, id string) (*Domain, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/v1/domains/"+id+"/verify", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Domain Domain `json:"domain"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}
	return &resp.Domain, nil
}

// Instructions returns the DNS records the tenant must create.
func (c *Client) Instructions(ctx context.Context, id string) ([]DNSRecord, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/domains/"+id+"/instructions", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Records []DNSRecord `json:"records"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode instructions response: %w", err)
	}
	return resp.Records, nil
}

// Resolve maps a hostname to its tenant site.
func (c *Client) Resolve(ctx context.Context, host string) (*Route, error) {
	if c.cache != nil {
		if route, ok := c.cache.get(host); ok {
			return route, nil
		}
	}

	body, err := c.do(ctx, http.MethodGet, "/api/v1/resolve?host="+url.QueryEscape(host), nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnknownHost
		}
		return nil, err
	}

	var route Route
	if err := json.Unmarshal(body, &route); err != nil {
		return nil, fmt.Errorf("decode resolve response: %w", err)
	}

	if c.cache != nil {
		c.cache.set(host, &route)
	}
	return &route, nil
}

// Subscribe creates a webhook subscription. The returned secret is shown
// once and never again; store it.
func (c *Client) Subscribe(ctx context.Context, webhookURL string, events []string) (*Subscription, string, error) {
	payload, _ := json.Marshal(map[string]any{
		"url":    webhookURL,
		"events": events,
	})

	body, err := c.do(ctx, http.MethodPost, "/api/v1/webhooks", bytes.NewReader(payload))
	if err != nil {
		return nil, "", err
	}

	var resp struct {
		Subscription Subscription `json:"subscription"`
		Secret       string       `json:"secret"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("decode subscription response: %w", err)
	}
	return &resp.Subscription, resp.Secret, nil
}

// ListSubscriptions returns the tenant's webhook subscriptions.
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/webhooks", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode subscriptions response: %w", err)
	}
	return resp.Subscriptions, nil
}

// Unsubscribe deletes a webhook subscription.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/webhooks/"+id, nil)
	return err
}

// do executes an HTTP request against the API, attaching credentials and
// mapping error status codes to sentinels.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if c.adminKey != "" {
		req.Header.Set("X-Admin-Key", c.adminKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", ErrHostnameClaimed, apiError(respBody))
	case resp.StatusCode == http.StatusGone:
		return nil, ErrDomainRemoved
	default:
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, apiError(respBody))
	}
}

// apiError extracts the "error" field from an API error body, falling back
// to the raw body.
func apiError(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}

// --- simple in-memory route cache ---

type cacheEntry struct {
	route     *Route
	expiresAt time.Time
}

type routeCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newRouteCache(ttl time.Duration) *routeCache {
	return &routeCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (rc *routeCache) get(key string) (*Route, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	e, ok := rc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.route, true
}

func (rc *routeCache) set(key string, route *Route) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.entries[key] = &cacheEntry{route: route, expiresAt: time.Now().Add(rc.ttl)}
}
