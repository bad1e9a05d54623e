package dnscheck

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/canopyhq/canopy/internal/domain/model"
)

// txtRecordPrefix is the well-known subdomain where the ownership proof TXT
// record must be published.
const txtRecordPrefix = "_canopy-verify."

// TXTHost returns the DNS name where the ownership TXT record for hostname
// must be placed.
func TXTHost(host string) string {
	return txtRecordPrefix + strings.TrimSuffix(host, ".")
}

// GenerateToken produces the cryptographically random verification token
// stored on a CustomDomain at registration. It is generated exactly once per
// record; regenerating it would invalidate DNS the tenant already published.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ExpectedRecords computes the records a tenant must publish for host:
// the ownership TXT record and the traffic target record. Apex domains get A
// records pointing at the edge IPs since a CNAME is not legal at a zone
// apex; everything deeper gets a CNAME to the edge hostname.
func ExpectedRecords(host, token string, cfg TargetConfig) []model.DNSRecord {
	records := []model.DNSRecord{
		{Kind: model.RecordTXT, Name: TXTHost(host), Value: token},
	}

	if isApex(host) {
		for _, ip := range cfg.EdgeIPs {
			records = append(records, model.DNSRecord{Kind: model.RecordA, Name: host, Value: ip})
		}
	} else {
		records = append(records, model.DNSRecord{Kind: model.RecordCNAME, Name: host, Value: cfg.EdgeCNAME})
	}
	return records
}

// isApex treats two-label hostnames as zone apexes. Multi-part public
// suffixes (example.co.uk) are mis-detected as subdomains; those tenants get
// CNAME instructions, which flattening DNS providers accept.
func isApex(host string) bool {
	return strings.Count(strings.TrimSuffix(host, "."), ".") == 1
}

// TargetConfig describes where verified domains must point.
type TargetConfig struct {
	// EdgeCNAME is the hostname subdomain records must CNAME to,
	// e.g. "edge.canopy.site".
	EdgeCNAME string
	// EdgeIPs are the A-record values apex domains must use.
	EdgeIPs []string
}
