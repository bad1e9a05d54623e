// Package reconciler drives custom domains through their provisioning
// lifecycle: DNS verification, hosting binding creation, binding polling,
// and ongoing health checks.
//
// Each scheduled pass executes at most one state-advancing step per domain,
// so every transition is individually observable and bounded. The one
// sanctioned fast path: a successful DNS verification attempts the hosting
// binding within the same pass, so a correctly configured domain does not
// wait a full interval between verification and connection.
//
// All retry and backoff policy lives here. The DNS and hosting adapters
// never retry beyond absorbing single-call transport hiccups; anything
// longer-lived is this package's job, which keeps backoff behavior uniformly
// testable.
package reconciler

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
)

// domainStore is the registry surface the loop needs.
// *repository.DomainRepository satisfies it.
type domainStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.CustomDomain, error)
	ListDue(ctx context.Context, healthInterval time.Duration, limit int) ([]*model.CustomDomain, error)
	UpdateState(ctx context.Context, d *model.CustomDomain, fromStatus model.DomainStatus) error
}

// dnsVerifier performs one verification attempt. *dnscheck.Checker satisfies
// it; tests substitute fakes.
type dnsVerifier interface {
	Verify(ctx context.Context, host, token string) (dnscheck.Result, error)
}

// MetricsRecordFunc is an optional callback recording pass outcomes.
type MetricsRecordFunc func(step, outcome string)

// Config holds reconciliation policy. Zero values take the stated defaults.
type Config struct {
	Interval       time.Duration // scheduler tick, default 30s
	HealthInterval time.Duration // ACTIVE re-check period, default 5m
	Workers        int           // concurrent domain steps per pass, default 8
	BatchLimit     int           // max due domains per pass, default 100

	BackoffBase time.Duration // first retry delay, default 1m
	BackoffCap  time.Duration // retry delay ceiling, default 1h

	DNSRetryCeiling int           // verification attempts before DNS_FAILED, default 500
	DNSExpiry       time.Duration // verification window before DNS_FAILED, default 7d

	ReconnectRetryLimit int // RECONNECTING attempts before CONNECT_FAILED, default 10
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 5 * time.Minute
	}
	if c.Workers == 0 {
		c.Workers = 8
	}
	if c.BatchLimit == 0 {
		c.BatchLimit = 100
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Minute
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = time.Hour
	}
	if c.DNSRetryCeiling == 0 {
		c.DNSRetryCeiling = 500
	}
	if c.DNSExpiry == 0 {
		c.DNSExpiry = 7 * 24 * time.Hour
	}
	if c.ReconnectRetryLimit == 0 {
		c.ReconnectRetryLimit = 10
	}
	return c
}

// Loop is the reconciliation scheduler and worker pool.
type Loop struct {
	store     domainStore
	dns       dnsVerifier
	connector hosting.Connector
	notifier  *event.Notifier
	locks     *keyedLocks
	kicks     chan uuid.UUID
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a reconciliation Loop.
func New(store domainStore, dns dnsVerifier, connector hosting.Connector, notifier *event.Notifier, cfg Config, logger *zap.Logger) *Loop {
	return &Loop{
		store:     store,
		dns:       dns,
		connector: connector,
		notifier:  notifier,
		locks:     newKeyedLocks(),
		kicks:     make(chan uuid.UUID, 64),
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (l *Loop) SetMetricsRecorder(fn MetricsRecordFunc) {
	l.onMetrics = fn
}

// Start runs the scheduler until ctx is cancelled. Kicked domains are
// processed between ticks without waiting for the interval.
func (l *Loop) Start(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-l.kicks:
			l.reconcileByID(ctx, id)
		case <-ticker.C:
			l.RunPass(ctx)
		}
	}
}

// Kick requests an immediate out-of-band reconciliation of one domain,
// bypassing the scheduler interval. Non-blocking: if the kick buffer is
// full the next scheduled pass will pick the domain up anyway.
func (l *Loop) Kick(id uuid.UUID) {
	select {
	case l.kicks <- id:
	default:
	}
}

// RunPass executes one reconciliation pass over all due domains with
// bounded concurrency.
func (l *Loop) RunPass(ctx context.Context) {
	due, err := l.store.ListDue(ctx, l.cfg.HealthInterval, l.cfg.BatchLimit)
	if err != nil {
		l.logger.Error("reconcile: list due domains", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, l.cfg.Workers)
	done := make(chan struct{}, len(due))
	for _, d := range due {
		d := d
		go func() {
			defer func() { done <- struct{}{} }()
			sem <- struct{}{}
			defer func() { <-sem }()
			l.Reconcile(ctx, d)
		}()
	}
	for range due {
		<-done
	}
}

// reconcileByID re-reads a kicked domain and runs one step for it.
func (l *Loop) reconcileByID(ctx context.Context, id uuid.UUID) {
	d, err := l.store.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, repository.ErrDomainNotFound) {
			l.logger.Error("reconcile: load kicked domain", zap.Error(err))
		}
		return
	}
	l.Reconcile(ctx, d)
}

// Reconcile runs exactly one state-advancing step for d, guarded by the
// per-domain single-flight lock. Concurrent attempts for the same domain
// are skipped.
func (l *Loop) Reconcile(ctx context.Context, d *model.CustomDomain) {
	if !l.locks.tryAcquire(d.ID) {
		l.record("lock", "skipped")
		return
	}
	defer l.locks.release(d.ID)

	switch d.Status {
	case model.StatusPendingDNS:
		l.stepVerify(ctx, d)
	case model.StatusDNSVerified, model.StatusConnecting:
		l.stepConnect(ctx, d, d.Status)
	case model.StatusActive:
		l.stepHealth(ctx, d)
	case model.StatusReconnecting:
		l.stepReconnect(ctx, d)
	default:
		// Terminal states wait for tenant action; removed domains are done.
	}
}

// stepVerify attempts DNS verification for a PENDING_DNS domain. On success
// it takes the fast path and immediately attempts the hosting binding.
func (l *Loop) stepVerify(ctx context.Context, d *model.CustomDomain) {
	res, err := l.dns.Verify(ctx, d.Hostname, d.VerificationToken)
	if err != nil {
		// Resolver trouble: the answer is unknown, not wrong. Retry later.
		l.recordDNSRetry(ctx, d, fmt.Sprintf("dns lookup: %v", err))
		return
	}
	if !res.OK {
		l.recordDNSRetry(ctx, d, res.MismatchReason)
		return
	}

	l.logger.Info("domain verified",
		zap.String("hostname", d.Hostname),
		zap.String("tenant_id", d.TenantID),
	)
	// Fast path: go straight for the binding instead of waiting out another
	// scheduler interval.
	l.stepConnect(ctx, d, model.StatusPendingDNS)
}

// stepConnect ensures a hosting binding exists and polls it toward ACTIVE.
// fromStatus is the persisted status the step started from, used for the
// optimistic concurrency check on write.
func (l *Loop) stepConnect(ctx context.Context, d *model.CustomDomain, fromStatus model.DomainStatus) {
	if d.HostingBindingID == "" {
		bindingID, err := l.connector.CreateBinding(ctx, d.Hostname)
		if err != nil {
			l.connectFailure(ctx, d, fromStatus, err)
			return
		}
		d.HostingBindingID = bindingID
	}

	status, err := l.connector.GetBindingStatus(ctx, d.HostingBindingID)
	if err != nil {
		l.connectFailure(ctx, d, fromStatus, err)
		return
	}

	d.CertificateStatus = status.CertificateStatus
	now := time.Now().UTC()
	d.LastCheckedAt = &now

	if status.Active {
		// RetryCount is left as-is: it records how many attempts this phase
		// took, which the administration API surfaces.
		d.Status = model.StatusActive
		d.FailureReason = ""
		d.NextRetryAt = nil
		l.update(ctx, d, fromStatus, "connect", "active")
		return
	}

	// Binding accepted but not serving yet (certificate still issuing).
	// Not a failure: poll again next pass without burning retry budget.
	d.Status = model.StatusConnecting
	next := now.Add(l.cfg.Interval)
	d.NextRetryAt = &next
	l.update(ctx, d, fromStatus, "connect", "polling")
}

// connectFailure classifies a connector error during connect and persists
// the consequence.
func (l *Loop) connectFailure(ctx context.Context, d *model.CustomDomain, fromStatus model.DomainStatus, err error) {
	var rejected *hosting.RejectedError
	switch {
	case errors.As(err, &rejected):
		d.Status = model.StatusConnectFailed
		d.FailureReason = rejected.Reason
		d.NextRetryAt = nil
		l.dropBinding(d)
		l.logger.Warn("hosting platform rejected domain",
			zap.String("hostname", d.Hostname),
			zap.String("reason", rejected.Reason),
		)
		l.update(ctx, d, fromStatus, "connect", "rejected")

	case errors.Is(err, hosting.ErrQuotaExceeded):
		// Operator problem, not the tenant's. Hold position and retry; the
		// tenant just sees "still connecting".
		d.RetryCount++
		d.FailureReason = err.Error()
		l.holdWithBackoff(d, fromStatus)
		l.logger.Error("hosting quota exceeded", zap.String("hostname", d.Hostname))
		l.update(ctx, d, fromStatus, "connect", "quota")

	default:
		d.RetryCount++
		d.FailureReason = err.Error()
		l.holdWithBackoff(d, fromStatus)
		l.update(ctx, d, fromStatus, "connect", "transient")
	}
}

// holdWithBackoff keeps the domain in its pre-step state (recording any
// progress made this pass) with the next retry scheduled.
func (l *Loop) holdWithBackoff(d *model.CustomDomain, fromStatus model.DomainStatus) {
	switch {
	case d.HostingBindingID != "":
		// The binding was created before the step failed. A binding id may
		// only be persisted on a connecting-or-beyond status.
		d.Status = model.StatusConnecting
	case fromStatus == model.StatusPendingDNS:
		// Verification succeeded this pass even though connecting did not;
		// persist that progress so the next pass skips straight to connect.
		d.Status = model.StatusDNSVerified
	default:
		d.Status = fromStatus
	}
	next := time.Now().UTC().Add(l.backoff(d.RetryCount))
	d.NextRetryAt = &next
}

// stepHealth re-checks an ACTIVE domain's binding. Any failure demotes to
// RECONNECTING and stops routing for the hostname: fail closed rather than
// keep serving through an unhealthy binding.
func (l *Loop) stepHealth(ctx context.Context, d *model.CustomDomain) {
	status, err := l.connector.GetBindingStatus(ctx, d.HostingBindingID)
	now := time.Now().UTC()
	d.LastCheckedAt = &now

	if err == nil && status.Active {
		d.CertificateStatus = status.CertificateStatus
		l.update(ctx, d, model.StatusActive, "health", "healthy")
		return
	}

	if err != nil {
		d.FailureReason = fmt.Sprintf("health check: %v", err)
	} else {
		d.FailureReason = "hosting binding no longer active"
	}
	d.Status = model.StatusReconnecting
	d.RetryCount = 0
	next := now.Add(l.backoff(1))
	d.NextRetryAt = &next
	l.logger.Warn("active domain failed health check",
		zap.String("hostname", d.Hostname),
		zap.String("reason", d.FailureReason),
	)
	l.update(ctx, d, model.StatusActive, "health", "degraded")
}

// stepReconnect retries a RECONNECTING domain's binding, restoring ACTIVE on
// success and giving up into CONNECT_FAILED past the retry bound.
func (l *Loop) stepReconnect(ctx context.Context, d *model.CustomDomain) {
	status, err := l.connector.GetBindingStatus(ctx, d.HostingBindingID)
	now := time.Now().UTC()
	d.LastCheckedAt = &now

	if err == nil && status.Active {
		d.Status = model.StatusActive
		d.CertificateStatus = status.CertificateStatus
		d.FailureReason = ""
		d.NextRetryAt = nil
		l.logger.Info("domain reconnected", zap.String("hostname", d.Hostname))
		l.update(ctx, d, model.StatusReconnecting, "reconnect", "recovered")
		return
	}

	d.RetryCount++
	if err != nil {
		d.FailureReason = fmt.Sprintf("reconnect: %v", err)
	} else {
		d.FailureReason = "hosting binding still inactive"
	}

	if d.RetryCount >= l.cfg.ReconnectRetryLimit {
		d.Status = model.StatusConnectFailed
		d.NextRetryAt = nil
		l.dropBinding(d)
		l.logger.Error("domain reconnect retries exhausted",
			zap.String("hostname", d.Hostname),
			zap.Int("attempts", d.RetryCount),
		)
		l.update(ctx, d, model.StatusReconnecting, "reconnect", "exhausted")
		return
	}

	next := now.Add(l.backoff(d.RetryCount))
	d.NextRetryAt = &next
	l.update(ctx, d, model.StatusReconnecting, "reconnect", "retry")
}

// recordDNSRetry bumps verification bookkeeping and either schedules the
// next attempt or, past the ceiling or expiry window, parks the domain in
// DNS_FAILED until the tenant re-verifies.
func (l *Loop) recordDNSRetry(ctx context.Context, d *model.CustomDomain, reason string) {
	now := time.Now().UTC()
	d.RetryCount++
	d.FailureReason = reason
	d.LastCheckedAt = &now

	if d.RetryCount >= l.cfg.DNSRetryCeiling || now.Sub(d.CreatedAt) > l.cfg.DNSExpiry {
		d.Status = model.StatusDNSFailed
		d.NextRetryAt = nil
		l.logger.Warn("domain verification abandoned",
			zap.String("hostname", d.Hostname),
			zap.Int("attempts", d.RetryCount),
			zap.String("reason", reason),
		)
		l.update(ctx, d, model.StatusPendingDNS, "verify", "exhausted")
		return
	}

	d.Status = model.StatusPendingDNS
	next := now.Add(l.backoff(d.RetryCount))
	d.NextRetryAt = &next
	l.update(ctx, d, model.StatusPendingDNS, "verify", "retry")
}

// update persists the step outcome and publishes a status-change event when
// the status moved. A stale-status write means the domain changed underneath
// the step — most often a concurrent removal — and is abandoned quietly.
func (l *Loop) update(ctx context.Context, d *model.CustomDomain, fromStatus model.DomainStatus, step, outcome string) {
	if err := l.store.UpdateState(ctx, d, fromStatus); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			l.logger.Debug("domain changed concurrently, step abandoned",
				zap.String("hostname", d.Hostname),
				zap.String("step", step),
			)
			l.record(step, "stale")
			return
		}
		l.logger.Error("reconcile: persist step",
			zap.String("hostname", d.Hostname),
			zap.String("step", step),
			zap.Error(err),
		)
		l.record(step, "error")
		return
	}

	if d.Status != fromStatus {
		l.notifier.Publish(event.StatusChange{
			DomainID: d.ID.String(),
			TenantID: d.TenantID,
			Hostname: d.Hostname,
			From:     string(fromStatus),
			To:       string(d.Status),
		})
	}
	l.record(step, outcome)
}

// dropBinding forgets the hosting binding id, keeping the invariant that a
// binding id exists only in CONNECTING/ACTIVE/RECONNECTING. The external
// binding may still exist; hostname-keyed idempotent creation recovers it if
// the tenant re-verifies, otherwise it is residue at the platform.
func (l *Loop) dropBinding(d *model.CustomDomain) {
	if d.HostingBindingID == "" {
		return
	}
	l.logger.Warn("residual hosting binding left at platform",
		zap.String("hostname", d.Hostname),
		zap.String("binding_id", d.HostingBindingID),
	)
	d.HostingBindingID = ""
}

// backoff computes the exponential retry delay for the nth attempt (n ≥ 1),
// capped at BackoffCap.
func (l *Loop) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	shift := n - 1
	if shift > 20 {
		shift = 20
	}
	delay := l.cfg.BackoffBase << uint(shift)
	if delay > l.cfg.BackoffCap || delay <= 0 {
		delay = l.cfg.BackoffCap
	}
	return delay
}

func (l *Loop) record(step, outcome string) {
	if l.onMetrics != nil {
		l.onMetrics(step, outcome)
	}
}
