// Package fingerprint computes SHA-256 fingerprints of X.509 certificates.
//
// Two flavours exist. Certificate hashes the whole DER encoding and is what
// gets shown to users for client identities. PublicKey hashes only the
// SubjectPublicKeyInfo, so a server that renews its certificate with the
// same key pair keeps the same fingerprint; this is what TOFU pins.
package fingerprint

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"strings"
)

type options struct {
	uppercase bool
	separator rune
}

// Option changes how a fingerprint is rendered.
type Option func(*options)

// Uppercase renders hex digits in upper case.
func Uppercase() Option {
	return func(o *options) { o.uppercase = true }
}

// Separator places sep between every byte, e.g. "AB:CD:EF".
func Separator(sep rune) Option {
	return func(o *options) { o.separator = sep }
}

// Certificate returns the SHA-256 of the encoded certificate.
func Certificate(cert *x509.Certificate, opts ...Option) string {
	sum := sha256.Sum256(cert.Raw)
	return Format(sum[:], opts...)
}

// PublicKey returns the SHA-256 of the certificate's encoded public key.
func PublicKey(cert *x509.Certificate, opts ...Option) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return Format(sum[:], opts...)
}

// Format renders b as hex. By default the output is lower case with no
// separator.
func Format(b []byte, opts ...Option) string {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	s := hex.EncodeToString(b)
	if o.uppercase {
		s = strings.ToUpper(s)
	}
	if o.separator == 0 || len(b) < 2 {
		return s
	}

	pairs := make([]string, len(b))
	for i := range pairs {
		pairs[i] = s[2*i : 2*i+2]
	}
	return strings.Join(pairs, string(o.separator))
}
