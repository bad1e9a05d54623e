// Package hosting talks to the external hosting platform that terminates
// TLS and serves tenant content for bound hostnames. The platform owns
// certificate issuance; this package only creates, inspects, and removes
// hostname bindings.
package hosting

import (
	"context"
	"errors"
	"fmt"

	"github.com/canopyhq/canopy/internal/domain/model"
)

// Connector error taxonomy. Transient errors are retried by the
// reconciliation loop with backoff; rejections and quota errors are
// terminal until the tenant or operator acts.
var (
	// ErrTransient — hosting API unreachable, throttled, 5xx, or the
	// service credential could not be refreshed within bounds.
	ErrTransient = errors.New("hosting platform temporarily unavailable")
	// ErrQuotaExceeded — the hosting account is out of binding capacity.
	ErrQuotaExceeded = errors.New("hosting platform binding quota exceeded")
	// ErrBindingNotFound — the binding id is unknown to the platform.
	ErrBindingNotFound = errors.New("hosting binding not found")
)

// RejectedError is a permanent refusal by the hosting platform to bind a
// hostname (e.g. banned domain, CAA failure). The reason is surfaced to the
// tenant via the domain's failure_reason.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("hosting platform rejected binding: %s", e.Reason)
}

// BindingStatus is the platform's view of one hostname binding.
type BindingStatus struct {
	Active            bool
	CertificateStatus model.CertificateStatus
}

// Connector is the hosting platform client surface. All operations are
// idempotent and safe to retry: CreateBinding keyed by hostname returns the
// existing binding on repeat, and DeleteBinding of an unknown id succeeds.
type Connector interface {
	CreateBinding(ctx context.Context, host string) (string, error)
	GetBindingStatus(ctx context.Context, bindingID string) (BindingStatus, error)
	DeleteBinding(ctx context.Context, bindingID string) error
}
