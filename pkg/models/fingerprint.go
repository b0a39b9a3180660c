package models

import (
	"fmt"
	"time"
)

// CertFingerprint is the 5-tuple that decides certificate identity for
// duplicate suppression. Serial numbers are canonical decimal strings;
// times are UTC instants truncated to one second.
type CertFingerprint struct {
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	CommonName   string
}

// Key returns a stable string form usable as a map key. The unit
// separator keeps fields with embedded punctuation from colliding.
func (fp CertFingerprint) Key() string {
	return fmt.Sprintf("%s\x1f%s\x1f%d\x1f%d\x1f%s",
		fp.Issuer, fp.SerialNumber,
		fp.NotBefore.Unix(), fp.NotAfter.Unix(),
		fp.CommonName)
}

// Normalize truncates validity times to second resolution in UTC so
// fingerprints compare identically regardless of source precision.
func (fp CertFingerprint) Normalize() CertFingerprint {
	fp.NotBefore = fp.NotBefore.UTC().Truncate(time.Second)
	fp.NotAfter = fp.NotAfter.UTC().Truncate(time.Second)
	return fp
}
