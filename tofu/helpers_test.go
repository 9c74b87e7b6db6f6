package tofu

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type certOpts struct {
	dnsNames  []string
	ips       []net.IP
	cn        string
	notBefore time.Time
	notAfter  time.Time
	serial    int64
	isCA      bool
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// makeCert creates a certificate for key, signed by parent/parentKey or
// self-signed when parent is nil.
func makeCert(
	t *testing.T,
	key *ecdsa.PrivateKey,
	o certOpts,
	parent *x509.Certificate,
	parentKey crypto.Signer,
) *x509.Certificate {
	t.Helper()

	if o.serial == 0 {
		o.serial = 1
	}
	if o.notBefore.IsZero() {
		o.notBefore = testEpoch.Add(-24 * time.Hour)
	}
	if o.notAfter.IsZero() {
		o.notAfter = testEpoch.Add(365 * 24 * time.Hour)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(o.serial),
		Subject:               pkix.Name{CommonName: o.cn},
		DNSNames:              o.dnsNames,
		IPAddresses:           o.ips,
		NotBefore:             o.notBefore,
		NotAfter:              o.notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  o.isCA,
	}
	if o.isCA {
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}

	signer := crypto.Signer(key)
	if parent == nil {
		parent = tmpl
	} else {
		signer = parentKey
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, key.Public(), signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func selfSigned(t *testing.T, key *ecdsa.PrivateKey, o certOpts) *x509.Certificate {
	t.Helper()
	return makeCert(t, key, o, nil, nil)
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }
