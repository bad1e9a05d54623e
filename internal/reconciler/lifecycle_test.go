package reconciler_test

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canopyhq/canopy/internal/dnscheck"
	"github.com/canopyhq/canopy/internal/domain/event"
	"github.com/canopyhq/canopy/internal/domain/model"
	"github.com/canopyhq/canopy/internal/domain/repository"
	"github.com/canopyhq/canopy/internal/domain/service"
	"github.com/canopyhq/canopy/internal/hosting"
	"github.com/canopyhq/canopy/internal/reconciler"
	"github.com/canopyhq/canopy/internal/router"
	"github.com/canopyhq/canopy/internal/sites"
)

// e2eStore backs the service, the reconciler, and the routing resolver at
// once, standing in for the shared PostgreSQL repository.
type e2eStore struct {
	mu      sync.Mutex
	domains map[uuid.UUID]*model.CustomDomain
}

func (s *e2eStore) Create(_ context.Context, d *model.CustomDomain, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.domains {
		if cur.Hostname == d.Hostname && cur.Status != model.StatusRemoved {
			return repository.ErrHostnameClaimed
		}
	}
	d.ID = uuid.New()
	d.CreatedAt = time.Now().UTC()
	s.domains[d.ID] = d
	return nil
}

func (s *e2eStore) GetByID(_ context.Context, id uuid.UUID) (*model.CustomDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[id]
	if !ok {
		return nil, repository.ErrDomainNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *e2eStore) ListByTenant(_ context.Context, tenantID string) ([]*model.CustomDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.CustomDomain
	for _, d := range s.domains {
		if d.TenantID == tenantID && d.Status != model.StatusRemoved {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListDue returns every live domain regardless of NextRetryAt so the test
// can drive passes without waiting out the backoff schedule.
func (s *e2eStore) ListDue(_ context.Context, _ time.Duration, _ int) ([]*model.CustomDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.CustomDomain
	for _, d := range s.domains {
		if d.Status != model.StatusRemoved && !d.Status.Terminal() {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *e2eStore) UpdateState(_ context.Context, d *model.CustomDomain, fromStatus model.DomainStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.domains[d.ID]
	if !ok || cur.Status != fromStatus {
		return repository.ErrStaleStatus
	}
	cp := *d
	s.domains[d.ID] = &cp
	return nil
}

func (s *e2eStore) MarkRemoved(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.domains[id]; ok {
		d.Status = model.StatusRemoved
	}
	return nil
}

func (s *e2eStore) GetActiveByHostname(_ context.Context, host string) (*model.CustomDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.domains {
		if d.Hostname == host && d.Status == model.StatusActive {
			cp := *d
			return &cp, nil
		}
	}
	return nil, repository.ErrDomainNotFound
}

// e2eResolver is a DNS zone the test publishes records into.
type e2eResolver struct {
	mu    sync.Mutex
	txt   map[string][]string
	cname map[string]string
}

func (r *e2eResolver) publish(records []model.DNSRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		switch rec.Kind {
		case model.RecordTXT:
			r.txt[rec.Name] = append(r.txt[rec.Name], rec.Value)
		case model.RecordCNAME:
			r.cname[rec.Name] = rec.Value + "."
		}
	}
}

func (r *e2eResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vals, ok := r.txt[name]; ok {
		return vals, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func (r *e2eResolver) LookupCNAME(_ context.Context, host string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target, ok := r.cname[host]; ok {
		return target, nil
	}
	return "", &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func (r *e2eResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

type e2eConnector struct{}

func (e2eConnector) CreateBinding(_ context.Context, host string) (string, error) {
	return "bnd_" + host, nil
}

func (e2eConnector) GetBindingStatus(_ context.Context, _ string) (hosting.BindingStatus, error) {
	return hosting.BindingStatus{Active: true, CertificateStatus: model.CertIssued}, nil
}

func (e2eConnector) DeleteBinding(_ context.Context, _ string) error { return nil }

type e2eSites struct {
	byTenant map[string]*sites.PublishedSite
}

func (s *e2eSites) GetByTenant(_ context.Context, tenantID string) (*sites.PublishedSite, error) {
	site, ok := s.byTenant[tenantID]
	if !ok {
		return nil, sites.ErrSiteNotFound
	}
	return site, nil
}

func (s *e2eSites) GetBySlug(_ context.Context, _ string) (*sites.PublishedSite, error) {
	return nil, sites.ErrSiteNotFound
}

// TestDomainLifecycle walks a domain from registration through DNS
// publication and reconciliation to serving traffic: the tenant registers,
// publishes the instructed records into the fake zone, the loop verifies and
// connects, and the resolver then routes the hostname to the tenant's site.
func TestDomainLifecycle(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	notifier := event.NewNotifier()

	store := &e2eStore{domains: make(map[uuid.UUID]*model.CustomDomain)}
	zone := &e2eResolver{txt: make(map[string][]string), cname: make(map[string]string)}

	target := dnscheck.TargetConfig{
		EdgeCNAME: "edge.canopy.site",
		EdgeIPs:   []string{"203.0.113.10"},
	}
	checker := dnscheck.New(zone, dnscheck.Config{Target: target, Attempts: 1})

	loop := reconciler.New(store, checker, e2eConnector{}, notifier, reconciler.Config{}, logger)

	siteID := uuid.New()
	routes := router.New(router.Config{PlatformDomain: "canopy.site"}, store,
		&e2eSites{byTenant: map[string]*sites.PublishedSite{
			"tenant_acme": {SiteID: siteID, TenantID: "tenant_acme", Slug: "acme"},
		}}, logger)
	notifier.Subscribe(routes.HandleStatusChange)

	svc := service.NewDomainService(store, e2eConnector{}, notifier, loop, service.Config{
		PlatformDomain: "canopy.site",
		Target:         target,
	}, logger)

	// Register. The hostname is normalized and instructions are computed.
	d, err := svc.RegisterDomain(ctx, "tenant_acme", "Shop.Example.COM.")
	if err != nil {
		t.Fatal(err)
	}
	if d.Hostname != "shop.example.com" || d.Status != model.StatusPendingDNS {
		t.Fatalf("registered domain = %+v", d)
	}

	// Nothing published yet: the first pass must leave the domain pending.
	loop.RunPass(ctx)
	if got, _ := store.GetByID(ctx, d.ID); got.Status != model.StatusPendingDNS {
		t.Fatalf("status after premature pass = %s", got.Status)
	}
	if _, err := routes.Resolve(ctx, "shop.example.com"); err == nil {
		t.Fatal("host resolved before activation")
	}

	// The tenant follows the instructions and publishes both records.
	records, err := svc.Instructions(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("instructions = %+v", records)
	}
	zone.publish(records)

	// The next pass verifies ownership and connects in one step.
	loop.RunPass(ctx)
	got, _ := store.GetByID(ctx, d.ID)
	if got.Status != model.StatusActive {
		t.Fatalf("status after pass = %s (reason %q)", got.Status, got.FailureReason)
	}
	if !strings.HasPrefix(got.HostingBindingID, "bnd_") {
		t.Errorf("binding id = %q", got.HostingBindingID)
	}

	route, err := routes.Resolve(ctx, "shop.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if route.TenantID != "tenant_acme" || route.SiteID != siteID {
		t.Errorf("route = %+v", route)
	}
}
