package factory

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// CertParams describe a test certificate. Zero values get sensible
// defaults: valid from a day ago for a year, serial 1.
type CertParams struct {
	CommonName string
	DNSNames   []string
	IPs        []net.IP
	NotBefore  time.Time
	NotAfter   time.Time
	Serial     int64
	ClientAuth bool
}

// Key returns a fresh P-256 key.
func Key() *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(fmt.Errorf("could not generate key: %w", err))
	}
	return key
}

// Certificate returns a certificate for key self-signed according to p.
func Certificate(key *ecdsa.PrivateKey, p CertParams) *x509.Certificate {
	now := time.Now()
	if p.NotBefore.IsZero() {
		p.NotBefore = now.Add(-24 * time.Hour)
	}
	if p.NotAfter.IsZero() {
		p.NotAfter = now.Add(365 * 24 * time.Hour)
	}
	if p.Serial == 0 {
		p.Serial = 1
	}
	usage := x509.ExtKeyUsageServerAuth
	if p.ClientAuth {
		usage = x509.ExtKeyUsageClientAuth
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(p.Serial),
		Subject:               pkix.Name{CommonName: p.CommonName},
		DNSNames:              p.DNSNames,
		IPAddresses:           p.IPs,
		NotBefore:             p.NotBefore,
		NotAfter:              p.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{usage},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		panic(fmt.Errorf("could not create certificate: %w", err))
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		panic(fmt.Errorf("could not parse certificate: %w", err))
	}
	return cert
}

// TLSCertificate wraps key and cert for use in a tls.Config.
func TLSCertificate(key *ecdsa.PrivateKey, cert *x509.Certificate) tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}
}

// ServerCertificate returns a server certificate for localhost and
// 127.0.0.1 plus any extra DNS names.
func ServerCertificate(dnsNames ...string) (tls.Certificate, *x509.Certificate) {
	key := Key()
	cert := Certificate(key, CertParams{
		CommonName: "localhost",
		DNSNames:   append([]string{"localhost"}, dnsNames...),
		IPs:        []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	})
	return TLSCertificate(key, cert), cert
}
