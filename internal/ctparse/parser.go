package ctparse

import (
	"encoding/json"
	"fmt"
	"strings"

	ct "github.com/google/certificate-transparency-go"
	ctx509 "github.com/google/certificate-transparency-go/x509"
	"golang.org/x/net/idna"

	"github.com/bl4ck0w1/ctharvest/pkg/models"
)

// Entry is one decoded CT log entry: the identity tuple used for
// duplicate suppression, the DNS names used by the suffix filter, and
// the verbatim leaf blob that gets persisted.
type Entry struct {
	Index       int64
	Fingerprint models.CertFingerprint
	Names       []string
	Raw         []byte
	IsPrecert   bool
}

// ParseLeafEntry decodes a single get-entries leaf. Both x509_entry
// and precert_entry leaf types are handled; anything else is an error.
func ParseLeafEntry(index int64, leaf *ct.LeafEntry) (*Entry, error) {
	rle, err := ct.RawLogEntryFromLeaf(index, leaf)
	if err != nil {
		return nil, fmt.Errorf("decode merkle leaf at index %d: %w", index, err)
	}

	logEntry, err := rle.ToLogEntry()
	if err != nil && (logEntry == nil || ctx509.IsFatal(err)) {
		return nil, fmt.Errorf("parse certificate at index %d: %w", index, err)
	}

	var cert *ctx509.Certificate
	var isPrecert bool
	switch {
	case logEntry.X509Cert != nil:
		cert = logEntry.X509Cert
	case logEntry.Precert != nil:
		cert = logEntry.Precert.TBSCertificate
		isPrecert = true
	default:
		return nil, fmt.Errorf("unknown leaf entry type at index %d", index)
	}
	if cert == nil {
		return nil, fmt.Errorf("no certificate in leaf at index %d", index)
	}

	raw, err := json.Marshal(leaf)
	if err != nil {
		return nil, fmt.Errorf("re-encode leaf at index %d: %w", index, err)
	}

	return &Entry{
		Index:       index,
		Fingerprint: FingerprintFromCert(cert),
		Names:       ExtractNames(cert),
		Raw:         raw,
		IsPrecert:   isPrecert,
	}, nil
}

// ParseRawBlob decodes a leaf blob as stored in an upload item
// ({"leaf_input": ..., "extra_data": ...}). Used by upload ingestion,
// where the original log index travels separately.
func ParseRawBlob(blob []byte) (*Entry, error) {
	var leaf ct.LeafEntry
	if err := json.Unmarshal(blob, &leaf); err != nil {
		return nil, fmt.Errorf("unmarshal leaf entry: %w", err)
	}
	return ParseLeafEntry(0, &leaf)
}

// FingerprintFromCert extracts the duplicate-suppression tuple: issuer
// distinguished name, canonical decimal serial, validity instants at
// second resolution, and the subject common name.
func FingerprintFromCert(cert *ctx509.Certificate) models.CertFingerprint {
	fp := models.CertFingerprint{
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		CommonName:   cert.Subject.CommonName,
	}
	return fp.Normalize()
}

// ExtractNames returns the deduplicated union of the subject CN and
// the SAN DNS names, lower-cased and IDNA-normalized.
func ExtractNames(cert *ctx509.Certificate) []string {
	set := make(map[string]struct{}, 1+len(cert.DNSNames))

	if cn := normalizeName(cert.Subject.CommonName); cn != "" {
		set[cn] = struct{}{}
	}
	for _, d := range cert.DNSNames {
		if n := normalizeName(d); n != "" {
			set[n] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	return out
}

var lookupProfile = idna.New(idna.MapForLookup(), idna.RemoveLeadingDots(true))

func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(name, ".")
	name = strings.TrimPrefix(name, "*.")
	if name == "" {
		return ""
	}
	ascii, err := lookupProfile.ToASCII(name)
	if err != nil {
		return strings.ToLower(name)
	}
	return strings.ToLower(ascii)
}

// SuffixFilter accepts entries whose name list contains the configured
// domain suffix at a dot boundary.
type SuffixFilter struct {
	suffix string
}

func NewSuffixFilter(suffix string) *SuffixFilter {
	s := strings.ToLower(strings.TrimSpace(suffix))
	s = strings.TrimPrefix(s, ".")
	return &SuffixFilter{suffix: s}
}

func (f *SuffixFilter) Suffix() string { return f.suffix }

// Match reports whether at least one name equals the suffix or ends
// with "." + suffix. Names are assumed already normalized.
func (f *SuffixFilter) Match(names []string) bool {
	if f.suffix == "" {
		return false
	}
	for _, n := range names {
		if f.MatchName(n) {
			return true
		}
	}
	return false
}

func (f *SuffixFilter) MatchName(name string) bool {
	name = strings.ToLower(name)
	return name == f.suffix || strings.HasSuffix(name, "."+f.suffix)
}
