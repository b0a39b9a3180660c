// Package parsetest builds syntactically real CT leaf entries for
// tests: a self-signed certificate wrapped in a V1 Merkle tree leaf,
// TLS-encoded the way a log's get-entries endpoint returns it.
package parsetest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	ct "github.com/google/certificate-transparency-go"
	cttls "github.com/google/certificate-transparency-go/tls"
)

// CertSpec describes the certificate to embed in a leaf.
type CertSpec struct {
	Serial    int64
	CN        string
	DNSNames  []string
	NotBefore time.Time
	NotAfter  time.Time
}

func (s CertSpec) withDefaults() CertSpec {
	if s.Serial == 0 {
		s.Serial = 1
	}
	if s.NotBefore.IsZero() {
		s.NotBefore = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if s.NotAfter.IsZero() {
		s.NotAfter = s.NotBefore.AddDate(0, 3, 0)
	}
	return s
}

// SelfSignedDER creates a DER-encoded self-signed certificate.
func SelfSignedDER(t *testing.T, spec CertSpec) []byte {
	t.Helper()
	spec = spec.withDefaults()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(spec.Serial),
		Subject:      pkix.Name{CommonName: spec.CN, Organization: []string{"parsetest"}},
		DNSNames:     spec.DNSNames,
		NotBefore:    spec.NotBefore,
		NotAfter:     spec.NotAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return der
}

// LeafEntry wraps a DER certificate in an x509_entry Merkle tree leaf.
func LeafEntry(t *testing.T, der []byte) *ct.LeafEntry {
	t.Helper()

	leaf := ct.MerkleTreeLeaf{
		Version:  ct.V1,
		LeafType: ct.TimestampedEntryLeafType,
		TimestampedEntry: &ct.TimestampedEntry{
			Timestamp: uint64(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).UnixMilli()),
			EntryType: ct.X509LogEntryType,
			X509Entry: &ct.ASN1Cert{Data: der},
		},
	}
	leafInput, err := cttls.Marshal(leaf)
	if err != nil {
		t.Fatalf("marshal merkle tree leaf: %v", err)
	}

	extraData, err := cttls.Marshal(ct.CertificateChain{})
	if err != nil {
		t.Fatalf("marshal certificate chain: %v", err)
	}

	return &ct.LeafEntry{LeafInput: leafInput, ExtraData: extraData}
}

// LeafBlob returns the JSON form of a leaf entry for one certificate,
// as carried in an upload item's ct_entry field.
func LeafBlob(t *testing.T, spec CertSpec) string {
	t.Helper()
	entry := LeafEntry(t, SelfSignedDER(t, spec))
	blob, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal leaf entry: %v", err)
	}
	return string(blob)
}
