package model

import (
	"time"

	"github.com/google/uuid"
)

// DomainStatus represents the lifecycle state of a custom domain.
type DomainStatus string

const (
	// StatusPendingDNS — registered, waiting for the tenant's DNS records to
	// appear. Initial state.
	StatusPendingDNS DomainStatus = "pending_dns"
	// StatusDNSVerified — ownership TXT and target record both observed.
	StatusDNSVerified DomainStatus = "dns_verified"
	// StatusConnecting — hosting platform binding requested, waiting for it
	// (and its certificate) to become active.
	StatusConnecting DomainStatus = "connecting"
	// StatusActive — binding healthy; the router serves this hostname.
	StatusActive DomainStatus = "active"
	// StatusDNSFailed — verification retries exhausted; the tenant must fix
	// their DNS and request verification again.
	StatusDNSFailed DomainStatus = "dns_failed"
	// StatusConnectFailed — the hosting platform rejected the binding, or
	// reconnection retries were exhausted. Requires re-verification.
	StatusConnectFailed DomainStatus = "connect_failed"
	// StatusReconnecting — an active binding failed a health check; the
	// domain is not served until it recovers.
	StatusReconnecting DomainStatus = "reconnecting"
	// StatusRemoved — terminal. The hostname may be re-claimed after the
	// configured cooldown.
	StatusRemoved DomainStatus = "removed"
)

// CertificateStatus mirrors the hosting platform's certificate issuance
// state. Informational only; it never gates routing.
type CertificateStatus string

const (
	CertPending CertificateStatus = "pending"
	CertIssued  CertificateStatus = "issued"
	CertFailed  CertificateStatus = "failed"
)

// DNSRecordKind distinguishes the records a tenant must publish.
type DNSRecordKind string

const (
	RecordTXT   DNSRecordKind = "TXT"
	RecordCNAME DNSRecordKind = "CNAME"
	RecordA     DNSRecordKind = "A"
)

// DNSRecord is one record the tenant must create at their DNS provider.
// Computed once at registration from the hostname and verification token,
// never mutated afterwards.
type DNSRecord struct {
	Kind  DNSRecordKind `json:"kind"`
	Name  string        `json:"name"`
	Value string        `json:"value"`
}

// CustomDomain is one (tenant, hostname) claim and its provisioning state.
type CustomDomain struct {
	ID                uuid.UUID         `json:"id"`
	TenantID          string            `json:"tenant_id"`
	Hostname          string            `json:"hostname"`
	Status            DomainStatus      `json:"status"`
	VerificationToken string            `json:"-"` // secret; exposed only through DNSRecords
	DNSRecords        []DNSRecord       `json:"dns_records"`
	HostingBindingID  string            `json:"hosting_binding_id,omitempty"`
	CertificateStatus CertificateStatus `json:"certificate_status"`
	LastCheckedAt     *time.Time        `json:"last_checked_at,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	RetryCount        int               `json:"retry_count"`
	NextRetryAt       *time.Time        `json:"next_retry_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	RemovedAt         *time.Time        `json:"removed_at,omitempty"`
}

// transitions is the set of legal status edges. Removal is legal from every
// state and handled separately in CanTransition.
var transitions = map[DomainStatus][]DomainStatus{
	StatusPendingDNS:    {StatusDNSVerified, StatusConnecting, StatusActive, StatusDNSFailed},
	StatusDNSVerified:   {StatusConnecting, StatusActive, StatusConnectFailed},
	StatusConnecting:    {StatusActive, StatusConnectFailed},
	StatusActive:        {StatusReconnecting},
	StatusReconnecting:  {StatusActive, StatusConnectFailed},
	StatusDNSFailed:     {StatusPendingDNS},
	StatusConnectFailed: {StatusPendingDNS},
	StatusRemoved:       {},
}

// CanTransition reports whether moving from one status to another is legal.
// PendingDNS→Connecting and PendingDNS/DNSVerified→Active are permitted for
// the fast path where verification and binding succeed within one
// reconciliation pass.
func CanTransition(from, to DomainStatus) bool {
	if to == StatusRemoved {
		return from != StatusRemoved
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HasBinding reports whether a status implies a live hosting binding.
// The invariant is that HostingBindingID is non-empty exactly in these
// states.
func (s DomainStatus) HasBinding() bool {
	switch s {
	case StatusConnecting, StatusActive, StatusReconnecting:
		return true
	}
	return false
}

// Reverifiable reports whether an explicit verify request may move the
// domain back to PendingDNS.
func (s DomainStatus) Reverifiable() bool {
	return s == StatusDNSFailed || s == StatusConnectFailed
}

// Terminal reports whether the reconciler should leave the record alone
// until a tenant acts on it.
func (s DomainStatus) Terminal() bool {
	switch s {
	case StatusDNSFailed, StatusConnectFailed, StatusRemoved:
		return true
	}
	return false
}
