// Package dnscheck verifies that a tenant has published the DNS records a
// custom domain needs: an ownership TXT record carrying their verification
// token, and an A or CNAME record steering traffic at the platform edge.
//
// The two checks are independent; both must pass before a domain advances.
// Resolver failures (NXDOMAIN, timeout, SERVFAIL) are reported as
// not-yet-verified rather than hard failures, since DNS propagation can
// legitimately take hours.
package dnscheck

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Resolver is the DNS lookup surface the checker needs. *net.Resolver
// satisfies it; tests substitute a fake seeded with records.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Mismatch reasons surfaced through Result so the administration API can
// tell a tenant exactly which record is wrong.
const (
	ReasonTXTAbsent     = "ownership TXT record not found"
	ReasonTokenMismatch = "ownership TXT record present but token does not match"
	ReasonTargetAbsent  = "target record not found"
	ReasonWrongTarget   = "target record points at the wrong host"
)

// Result is the outcome of one verification attempt.
type Result struct {
	OK             bool
	TokenMatch     bool
	TargetMatch    bool
	ObservedTXT    []string
	ObservedTarget string
	// MismatchReason is set whenever OK is false and the lookups themselves
	// succeeded; it distinguishes "record absent" from "wrong value".
	MismatchReason string
}

// Config controls lookup behavior.
type Config struct {
	Target TargetConfig
	// LookupTimeout bounds each DNS query. Default 5s.
	LookupTimeout time.Duration
	// Attempts is the number of tries per lookup, absorbing transient UDP
	// loss. Default 2.
	Attempts int
}

// Checker performs ownership and target verification for custom domains.
type Checker struct {
	resolver Resolver
	cfg      Config
}

// New creates a Checker. Pass nil for resolver to use the system resolver.
func New(resolver Resolver, cfg Config) *Checker {
	if resolver == nil {
		resolver = &net.Resolver{}
	}
	if cfg.LookupTimeout == 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 2
	}
	return &Checker{resolver: resolver, cfg: cfg}
}

// Verify checks the ownership TXT record and the traffic target record for
// host against the expected token and edge target.
//
// A non-nil error means the answer is unknown (resolver trouble); the caller
// should retry later. A nil error with Result.OK == false means the lookups
// succeeded but the records are absent or wrong, per MismatchReason.
func (c *Checker) Verify(ctx context.Context, host, token string) (Result, error) {
	var res Result

	txts, err := c.lookupTXT(ctx, TXTHost(host))
	switch {
	case isNotFound(err):
		res.MismatchReason = ReasonTXTAbsent
	case err != nil:
		return res, err
	default:
		res.ObservedTXT = txts
		for _, txt := range txts {
			// Multiple TXT values at the same name are fine; the token just
			// has to be one of them.
			if txt == token {
				res.TokenMatch = true
				break
			}
		}
		if !res.TokenMatch {
			res.MismatchReason = ReasonTokenMismatch
		}
	}

	target, err := c.lookupTarget(ctx, host)
	switch {
	case isNotFound(err):
		if res.MismatchReason == "" {
			res.MismatchReason = ReasonTargetAbsent
		}
	case err != nil:
		return res, err
	default:
		res.ObservedTarget = target.observed
		res.TargetMatch = target.match
		if !target.match && res.MismatchReason == "" {
			res.MismatchReason = ReasonWrongTarget
		}
	}

	res.OK = res.TokenMatch && res.TargetMatch
	return res, nil
}

type targetResult struct {
	observed string
	match    bool
}

// lookupTarget resolves the traffic record for host. Subdomains are checked
// via CNAME against the edge hostname; apexes via A records against the edge
// IP set.
func (c *Checker) lookupTarget(ctx context.Context, host string) (targetResult, error) {
	if isApex(host) {
		addrs, err := c.lookupHost(ctx, host)
		if err != nil {
			return targetResult{}, err
		}
		observed := strings.Join(addrs, ",")
		for _, addr := range addrs {
			for _, want := range c.cfg.Target.EdgeIPs {
				if addr == want {
					return targetResult{observed: observed, match: true}, nil
				}
			}
		}
		return targetResult{observed: observed}, nil
	}

	cname, err := c.lookupCNAME(ctx, host)
	if err != nil {
		return targetResult{}, err
	}
	observed := strings.TrimSuffix(cname, ".")
	match := strings.EqualFold(observed, c.cfg.Target.EdgeCNAME)
	return targetResult{observed: observed, match: match}, nil
}

func (c *Checker) lookupTXT(ctx context.Context, name string) ([]string, error) {
	var (
		txts []string
		err  error
	)
	for i := 0; i < c.cfg.Attempts; i++ {
		lctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
		txts, err = c.resolver.LookupTXT(lctx, name)
		cancel()
		if err == nil || isNotFound(err) {
			return txts, err
		}
	}
	return nil, err
}

func (c *Checker) lookupCNAME(ctx context.Context, host string) (string, error) {
	var (
		cname string
		err   error
	)
	for i := 0; i < c.cfg.Attempts; i++ {
		lctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
		cname, err = c.resolver.LookupCNAME(lctx, host)
		cancel()
		if err == nil || isNotFound(err) {
			return cname, err
		}
	}
	return "", err
}

func (c *Checker) lookupHost(ctx context.Context, host string) ([]string, error) {
	var (
		addrs []string
		err   error
	)
	for i := 0; i < c.cfg.Attempts; i++ {
		lctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
		addrs, err = c.resolver.LookupHost(lctx, host)
		cancel()
		if err == nil || isNotFound(err) {
			return addrs, err
		}
	}
	return nil, err
}

// isNotFound reports whether err is an authoritative "no such record"
// answer, as opposed to a transient resolver failure.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
