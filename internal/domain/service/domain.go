package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canopyhq/canopy/internal/dnscheck"
	"github.com/canopyhq/canopy/internal/domain/event"
	"github.com/canopyhq/canopy/internal/domain/model"
	"github.com/canopyhq/canopy/internal/domain/repository"
	"github.com/canopyhq/canopy/internal/hosting"
	"github.com/canopyhq/canopy/pkg/hostname"
)

// Sentinel errors for the domain service.
var (
	ErrNotFound        = errors.New("custom domain not found")
	ErrInvalidHostname = errors.New("invalid hostname")
	ErrAlreadyClaimed  = errors.New("hostname already claimed")
	ErrClaimCooldown   = errors.New("hostname recently removed; try again after the cooldown")
	ErrDomainRemoved   = errors.New("domain has been removed")
	ErrNotReverifiable = errors.New("domain is not awaiting re-verification")
)

// domainStore is the storage interface required by DomainService.
// *repository.DomainRepository satisfies it.
type domainStore interface {
	Create(ctx context.Context, d *model.CustomDomain, reclaimCooldown time.Duration) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.CustomDomain, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*model.CustomDomain, error)
	UpdateState(ctx context.Context, d *model.CustomDomain, fromStatus model.DomainStatus) error
	MarkRemoved(ctx context.Context, id uuid.UUID) error
}

// Kicker requests an immediate reconciliation pass for one domain.
// *reconciler.Loop satisfies it.
type Kicker interface {
	Kick(id uuid.UUID)
}

// Config holds registration policy.
type Config struct {
	// PlatformDomain is the platform apex; hostnames under it are reserved
	// for default subdomains and cannot be claimed as custom domains.
	PlatformDomain string
	// ReclaimCooldown is how long a removed hostname stays unclaimable.
	ReclaimCooldown time.Duration
	// Target describes where verified domains must point; it determines the
	// DNS records computed at registration.
	Target dnscheck.TargetConfig
}

// DomainService implements the domain administration operations.
type DomainService struct {
	store     domainStore
	connector hosting.Connector
	notifier  *event.Notifier
	kicker    Kicker
	cfg       Config
	logger    *zap.Logger
}

// NewDomainService creates a DomainService.
func NewDomainService(store domainStore, connector hosting.Connector, notifier *event.Notifier, kicker Kicker, cfg Config, logger *zap.Logger) *DomainService {
	if cfg.ReclaimCooldown == 0 {
		cfg.ReclaimCooldown = 24 * time.Hour
	}
	return &DomainService{
		store:     store,
		connector: connector,
		notifier:  notifier,
		kicker:    kicker,
		cfg:       cfg,
		logger:    logger,
	}
}

// RegisterDomain claims a hostname for a tenant. The verification token and
// the DNS records derived from it are generated exactly once here and never
// change for the life of the record.
func (s *DomainService) RegisterDomain(ctx context.Context, tenantID, rawHost string) (*model.CustomDomain, error) {
	host := hostname.Normalize(rawHost)
	if err := hostname.Validate(host); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHostname, err.Error())
	}
	if host == s.cfg.PlatformDomain || endsWithDomain(host, s.cfg.PlatformDomain) {
		return nil, fmt.Errorf("%w: %s is reserved by the platform", ErrInvalidHostname, host)
	}

	token, err := dnscheck.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate verification token: %w", err)
	}

	now := time.Now().UTC()
	d := &model.CustomDomain{
		TenantID:          tenantID,
		Hostname:          host,
		Status:            model.StatusPendingDNS,
		VerificationToken: token,
		DNSRecords:        dnscheck.ExpectedRecords(host, token, s.cfg.Target),
		CertificateStatus: model.CertPending,
		NextRetryAt:       &now,
	}

	if err := s.store.Create(ctx, d, s.cfg.ReclaimCooldown); err != nil {
		switch {
		case errors.Is(err, repository.ErrHostnameClaimed):
			return nil, ErrAlreadyClaimed
		case errors.Is(err, repository.ErrHostnameCooldown):
			return nil, ErrClaimCooldown
		}
		return nil, fmt.Errorf("persist domain: %w", err)
	}

	s.logger.Info("custom domain registered",
		zap.String("hostname", host),
		zap.String("tenant_id", tenantID),
		zap.String("domain_id", d.ID.String()),
	)
	s.kicker.Kick(d.ID)
	return d, nil
}

// GetStatus returns the current state of a domain.
func (s *DomainService) GetStatus(ctx context.Context, id uuid.UUID) (*model.CustomDomain, error) {
	d, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrDomainNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get domain: %w", err)
	}
	return d, nil
}

// ListDomains returns all live domains for a tenant.
func (s *DomainService) ListDomains(ctx context.Context, tenantID string) ([]*model.CustomDomain, error) {
	domains, err := s.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return domains, nil
}

// RemoveDomain retires a domain. The hosting binding delete is best-effort:
// removal proceeds even when the platform call fails, leaving the residual
// binding logged for later cleanup. The record always ends REMOVED.
func (s *DomainService) RemoveDomain(ctx context.Context, id uuid.UUID) error {
	d, err := s.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == model.StatusRemoved {
		return nil // idempotent
	}

	if d.HostingBindingID != "" {
		if err := s.connector.DeleteBinding(ctx, d.HostingBindingID); err != nil {
			s.logger.Warn("hosting binding delete failed; residual binding left for cleanup",
				zap.String("hostname", d.Hostname),
				zap.String("binding_id", d.HostingBindingID),
				zap.Error(err),
			)
		}
	}

	if err := s.store.MarkRemoved(ctx, id); err != nil {
		return fmt.Errorf("mark removed: %w", err)
	}

	s.notifier.Publish(event.StatusChange{
		DomainID: d.ID.String(),
		TenantID: d.TenantID,
		Hostname: d.Hostname,
		From:     string(d.Status),
		To:       string(model.StatusRemoved),
	})
	s.logger.Info("custom domain removed",
		zap.String("hostname", d.Hostname),
		zap.String("tenant_id", d.TenantID),
	)
	return nil
}

// RequestVerification triggers an immediate reconciliation for the domain.
// For DNS_FAILED/CONNECT_FAILED records this is the tenant's "I fixed my
// DNS" signal: the domain returns to PENDING_DNS with its retry budget
// reset, keeping the same verification token and records. Records already
// progressing are simply kicked.
func (s *DomainService) RequestVerification(ctx context.Context, id uuid.UUID) (*model.CustomDomain, error) {
	d, err := s.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == model.StatusRemoved {
		return nil, ErrDomainRemoved
	}

	if d.Status.Reverifiable() {
		from := d.Status
		now := time.Now().UTC()
		d.Status = model.StatusPendingDNS
		d.RetryCount = 0
		d.FailureReason = ""
		d.NextRetryAt = &now
		// The verification token and dns records are deliberately untouched:
		// regenerating them would invalidate DNS the tenant already set up.
		if err := s.store.UpdateState(ctx, d, from); err != nil {
			if errors.Is(err, repository.ErrStaleStatus) {
				// Raced with removal or another verify; report current state.
				return s.GetStatus(ctx, id)
			}
			return nil, fmt.Errorf("reset for re-verification: %w", err)
		}
		s.notifier.Publish(event.StatusChange{
			DomainID: d.ID.String(),
			TenantID: d.TenantID,
			Hostname: d.Hostname,
			From:     string(from),
			To:       string(d.Status),
		})
	}

	s.kicker.Kick(d.ID)
	return d, nil
}

// Instructions returns the human-actionable DNS setup steps for a domain,
// derived from its immutable dnsRecords.
func (s *DomainService) Instructions(ctx context.Context, id uuid.UUID) ([]model.DNSRecord, error) {
	d, err := s.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == model.StatusRemoved {
		return nil, ErrDomainRemoved
	}
	return d.DNSRecords, nil
}

// endsWithDomain reports whether host is the apex or a subdomain of domain.
func endsWithDomain(host, domain string) bool {
	if domain == "" {
		return false
	}
	return host == domain || len(host) > len(domain)+1 &&
		host[len(host)-len(domain)-1] == '.' &&
		host[len(host)-len(domain):] == domain
}
