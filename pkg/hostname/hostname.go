// Package hostname provides normalization and validation for the hostnames
// tenants bring to the platform, plus helpers for the platform's default
// subdomain scheme.
//
// Two kinds of hostnames reach the router:
//
//	shop.example.com          (tenant-owned custom domain)
//	acme.canopy.site          (platform default subdomain; "acme" is the slug)
//
// Custom domains must be syntactically legal DNS names. Default subdomains
// are a single slug label directly under the platform apex.
package hostname

import (
	"fmt"
	"net"
	"strings"
)

const maxHostnameLen = 253

// Normalize lower-cases a hostname, strips any port suffix and trailing dot.
// It is applied to both registration input and inbound Host headers so the
// two always compare equal.
func Normalize(host string) string {
	host = strings.TrimSpace(host)
	// Host headers may carry a port ("shop.example.com:443").
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}

// Validate checks that name is a syntactically legal fully-qualified DNS name.
// It does not resolve anything; propagation is checked elsewhere.
func Validate(name string) error {
	if name == "" {
		return fmt.Errorf("hostname must not be empty")
	}
	if len(name) > maxHostnameLen {
		return fmt.Errorf("hostname exceeds %d characters", maxHostnameLen)
	}
	if net.ParseIP(name) != nil {
		return fmt.Errorf("hostname %q must not be an IP address", name)
	}

	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return fmt.Errorf("hostname %q must be fully qualified (e.g. shop.example.com)", name)
	}
	for _, label := range labels {
		if err := validateLabel(label); err != nil {
			return fmt.Errorf("hostname %q: %w", name, err)
		}
	}
	return nil
}

// Slug extracts the tenant slug from a default-subdomain hostname.
// For "acme.canopy.site" with platformDomain "canopy.site" it returns
// ("acme", true). Hostnames outside the platform domain, the bare apex, and
// nested subdomains ("a.b.canopy.site") return ("", false).
func Slug(host, platformDomain string) (string, bool) {
	suffix := "." + platformDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	slug := strings.TrimSuffix(host, suffix)
	if slug == "" || strings.Contains(slug, ".") {
		return "", false
	}
	if validateLabel(slug) != nil {
		return "", false
	}
	return slug, true
}

// validateLabel checks a single DNS label per RFC 1035 (letters, digits,
// hyphens; no leading/trailing hyphen; 1–63 octets).
func validateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("empty label")
	}
	if len(label) > 63 {
		return fmt.Errorf("label %q exceeds 63 characters", label)
	}
	if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
		return fmt.Errorf("label %q must not begin or end with a hyphen", label)
	}
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return fmt.Errorf("label %q contains invalid character %q", label, r)
		}
	}
	return nil
}
