package service_test

import (
	"context"
	"errors"
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
)

type stubStore struct {
	domains   map[uuid.UUID]*model.CustomDomain
	createErr error
	removed   []uuid.UUID
	updated   []*model.CustomDomain
}

func newStubStore(ds ...*model.CustomDomain) *stubStore {
	s := &stubStore{domains: make(map[uuid.UUID]*model.CustomDomain)}
	for _, d := range ds {
		s.domains[d.ID] = d
	}
	return s
}

func (s *stubStore) Create(_ context.Context, d *model.CustomDomain, _ time.Duration) error {
	if s.createErr != nil {
		return s.createErr
	}
	d.ID = uuid.New()
	d.CreatedAt = time.Now().UTC()
	s.domains[d.ID] = d
	return nil
}

func (s *stubStore) GetByID(_ context.Context, id uuid.UUID) (*model.CustomDomain, error) {
	d, ok := s.domains[id]
	if !ok {
		return nil, repository.ErrDomainNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *stubStore) ListByTenant(_ context.Context, tenantID string) ([]*model.CustomDomain, error) {
	var out []*model.CustomDomain
	for _, d := range s.domains {
		if d.TenantID == tenantID && d.Status != model.StatusRemoved {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubStore) UpdateState(_ context.Context, d *model.CustomDomain, fromStatus model.DomainStatus) error {
	cur, ok := s.domains[d.ID]
	if !ok || cur.Status != fromStatus {
		return repository.ErrStaleStatus
	}
	cp := *d
	s.domains[d.ID] = &cp
	s.updated = append(s.updated, &cp)
	return nil
}

func (s *stubStore) MarkRemoved(_ context.Context, id uuid.UUID) error {
	if d, ok := s.domains[id]; ok {
		d.Status = model.StatusRemoved
	}
	s.removed = append(s.removed, id)
	return nil
}

type stubKicker struct {
	kicked []uuid.UUID
}

func (k *stubKicker) Kick(id uuid.UUID) { k.kicked = append(k.kicked, id) }

type stubConnector struct {
	deleted   []string
	deleteErr error
}

func (c *stubConnector) CreateBinding(_ context.Context, host string) (string, error) {
	return "bnd_" + host, nil
}

func (c *stubConnector) GetBindingStatus(_ context.Context, _ string) (hosting.BindingStatus, error) {
	return hosting.BindingStatus{Active: true, CertificateStatus: model.CertIssued}, nil
}

func (c *stubConnector) DeleteBinding(_ context.Context, id string) error {
	c.deleted = append(c.deleted, id)
	return c.deleteErr
}

type fixture struct {
	store     *stubStore
	connector *stubConnector
	kicker    *stubKicker
	svc       *service.DomainService
	events    *[]event.StatusChange
}

func newFixture(t *testing.T, ds ...*model.CustomDomain) *fixture {
	t.Helper()
	store := newStubStore(ds...)
	connector := &stubConnector{}
	kicker := &stubKicker{}
	notifier := event.NewNotifier()

	var events []event.StatusChange
	notifier.Subscribe(func(ev event.StatusChange) { events = append(events, ev) })

	cfg := service.Config{
		PlatformDomain: "canopy.site",
		Target: dnscheck.TargetConfig{
			EdgeCNAME: "edge.canopy.site",
			EdgeIPs:   []string{"203.0.113.10"},
		},
	}
	svc := service.NewDomainService(store, connector, notifier, kicker, cfg, zap.NewNop())
	return &fixture{store: store, connector: connector, kicker: kicker, svc: svc, events: &events}
}

// ── RegisterDomain ────────────────────────────────────────────────────────────

func TestRegisterDomain(t *testing.T) {
	fx := newFixture(t)

	d, err := fx.svc.RegisterDomain(context.Background(), "tenant_acme", "SHOP.Example.COM.")
	if err != nil {
		t.Fatalf("RegisterDomain() error: %v", err)
	}

	if d.Hostname != "shop.example.com" {
		t.Errorf("hostname = %q, want normalized form", d.Hostname)
	}
	if d.Status != model.StatusPendingDNS {
		t.Errorf("status = %s, want pending_dns", d.Status)
	}
	if d.VerificationToken == "" {
		t.Error("verification token not generated")
	}
	if len(d.DNSRecords) != 2 {
		t.Errorf("dns records = %d, want TXT + CNAME", len(d.DNSRecords))
	}
	if d.NextRetryAt == nil {
		t.Error("domain not scheduled for reconciliation")
	}
	if len(fx.kicker.kicked) != 1 || fx.kicker.kicked[0] != d.ID {
		t.Errorf("kicked = %v, want [%s]", fx.kicker.kicked, d.ID)
	}
}

func TestRegisterDomain_invalidHostname(t *testing.T) {
	fx := newFixture(t)

	cases := []string{
		"",
		"single-label",
		"203.0.113.7",
		"-bad.example.com",
		"под.example.com",
	}
	for _, raw := range cases {
		if _, err := fx.svc.RegisterDomain(context.Background(), "tenant_acme", raw); !errors.Is(err, service.ErrInvalidHostname) {
			t.Errorf("RegisterDomain(%q) error = %v, want ErrInvalidHostname", raw, err)
		}
	}
}

func TestRegisterDomain_platformDomainReserved(t *testing.T) {
	fx := newFixture(t)

	for _, raw := range []string{"canopy.site", "acme.canopy.site", "a.b.canopy.site"} {
		if _, err := fx.svc.RegisterDomain(context.Background(), "tenant_acme", raw); !errors.Is(err, service.ErrInvalidHostname) {
			t.Errorf("RegisterDomain(%q) error = %v, want ErrInvalidHostname", raw, err)
		}
	}
	// A name merely containing the platform domain is fine.
	if _, err := fx.svc.RegisterDomain(context.Background(), "tenant_acme", "notcanopy.site"); err != nil {
		t.Errorf("RegisterDomain(notcanopy.site) error: %v", err)
	}
}

func TestRegisterDomain_claimConflicts(t *testing.T) {
	fx := newFixture(t)

	fx.store.createErr = repository.ErrHostnameClaimed
	if _, err := fx.svc.RegisterDomain(context.Background(), "t", "shop.example.com"); !errors.Is(err, service.ErrAlreadyClaimed) {
		t.Errorf("error = %v, want ErrAlreadyClaimed", err)
	}

	fx.store.createErr = repository.ErrHostnameCooldown
	if _, err := fx.svc.RegisterDomain(context.Background(), "t", "shop.example.com"); !errors.Is(err, service.ErrClaimCooldown) {
		t.Errorf("error = %v, want ErrClaimCooldown", err)
	}
}

// ── RemoveDomain ──────────────────────────────────────────────────────────────

func TestRemoveDomain(t *testing.T) {
	d := &model.CustomDomain{
		ID:               uuid.New(),
		TenantID:         "tenant_acme",
		Hostname:         "shop.example.com",
		Status:           model.StatusActive,
		HostingBindingID: "bnd_1",
	}
	fx := newFixture(t, d)

	if err := fx.svc.RemoveDomain(context.Background(), d.ID); err != nil {
		t.Fatalf("RemoveDomain() error: %v", err)
	}

	if len(fx.connector.deleted) != 1 || fx.connector.deleted[0] != "bnd_1" {
		t.Errorf("deleted bindings = %v", fx.connector.deleted)
	}
	if got := fx.store.domains[d.ID]; got.Status != model.StatusRemoved {
		t.Errorf("status = %s, want removed", got.Status)
	}
	evs := *fx.events
	if len(evs) != 1 || evs[0].From != "active" || evs[0].To != "removed" {
		t.Errorf("events = %+v", evs)
	}
}

func TestRemoveDomain_idempotent(t *testing.T) {
	d := &model.CustomDomain{ID: uuid.New(), Status: model.StatusRemoved}
	fx := newFixture(t, d)

	if err := fx.svc.RemoveDomain(context.Background(), d.ID); err != nil {
		t.Fatalf("RemoveDomain() on removed domain: %v", err)
	}
	if len(*fx.events) != 0 || len(fx.store.removed) != 0 {
		t.Error("second removal must be a no-op")
	}
}

func TestRemoveDomain_bindingDeleteFailureDoesNotBlock(t *testing.T) {
	d := &model.CustomDomain{
		ID:               uuid.New(),
		Status:           model.StatusActive,
		HostingBindingID: "bnd_1",
	}
	fx := newFixture(t, d)
	fx.connector.deleteErr = hosting.ErrTransient

	if err := fx.svc.RemoveDomain(context.Background(), d.ID); err != nil {
		t.Fatalf("RemoveDomain() error: %v", err)
	}
	if got := fx.store.domains[d.ID]; got.Status != model.StatusRemoved {
		t.Errorf("status = %s, removal must proceed past the binding failure", got.Status)
	}
}

func TestRemoveDomain_notFound(t *testing.T) {
	fx := newFixture(t)
	if err := fx.svc.RemoveDomain(context.Background(), uuid.New()); !errors.Is(err, service.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

// ── RequestVerification ───────────────────────────────────────────────────────

func TestRequestVerification_resetsFailedDomain(t *testing.T) {
	d := &model.CustomDomain{
		ID:                uuid.New(),
		TenantID:          "tenant_acme",
		Hostname:          "shop.example.com",
		Status:            model.StatusDNSFailed,
		VerificationToken: "tok123",
		RetryCount:        500,
		FailureReason:     "verification txt record not found",
	}
	fx := newFixture(t, d)

	got, err := fx.svc.RequestVerification(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("RequestVerification() error: %v", err)
	}

	if got.Status != model.StatusPendingDNS {
		t.Fatalf("status = %s, want pending_dns", got.Status)
	}
	if got.RetryCount != 0 || got.FailureReason != "" {
		t.Errorf("retry budget not reset: count=%d reason=%q", got.RetryCount, got.FailureReason)
	}
	if got.VerificationToken != "tok123" {
		t.Error("verification token must never be regenerated")
	}
	if len(fx.kicker.kicked) != 1 {
		t.Errorf("kicked = %v, want one kick", fx.kicker.kicked)
	}
	evs := *fx.events
	if len(evs) != 1 || evs[0].From != "dns_failed" || evs[0].To != "pending_dns" {
		t.Errorf("events = %+v", evs)
	}
}

func TestRequestVerification_progressingDomainJustKicked(t *testing.T) {
	d := &model.CustomDomain{ID: uuid.New(), Status: model.StatusConnecting}
	fx := newFixture(t, d)

	got, err := fx.svc.RequestVerification(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("RequestVerification() error: %v", err)
	}
	if got.Status != model.StatusConnecting {
		t.Errorf("status = %s, progressing domains keep their state", got.Status)
	}
	if len(fx.store.updated) != 0 {
		t.Error("no state write expected")
	}
	if len(fx.kicker.kicked) != 1 {
		t.Errorf("kicked = %v", fx.kicker.kicked)
	}
}

func TestRequestVerification_removedDomain(t *testing.T) {
	d := &model.CustomDomain{ID: uuid.New(), Status: model.StatusRemoved}
	fx := newFixture(t, d)

	if _, err := fx.svc.RequestVerification(context.Background(), d.ID); !errors.Is(err, service.ErrDomainRemoved) {
		t.Errorf("error = %v, want ErrDomainRemoved", err)
	}
}

// ── Instructions ──────────────────────────────────────────────────────────────

func TestInstructions(t *testing.T) {
	records := []model.DNSRecord{
		{Kind: model.RecordTXT, Name: "_canopy-verify.shop.example.com", Value: "tok123"},
		{Kind: model.RecordCNAME, Name: "shop.example.com", Value: "edge.canopy.site"},
	}
	d := &model.CustomDomain{ID: uuid.New(), Status: model.StatusPendingDNS, DNSRecords: records}
	fx := newFixture(t, d)

	got, err := fx.svc.Instructions(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Instructions() error: %v", err)
	}
	if len(got) != 2 || got[0].Name != records[0].Name {
		t.Errorf("records = %+v", got)
	}
}

func TestInstructions_removedDomain(t *testing.T) {
	d := &model.CustomDomain{ID: uuid.New(), Status: model.StatusRemoved}
	fx := newFixture(t, d)

	if _, err := fx.svc.Instructions(context.Background(), d.ID); !errors.Is(err, service.ErrDomainRemoved) {
		t.Errorf("error = %v, want ErrDomainRemoved", err)
	}
}
