package tofu

import (
	"crypto/x509"
	"net"
	"strings"

	gcnet "github.com/gemcap/gemcap/libs/net"
)

// certDomains returns the names a certificate is valid for: its DNS SANs, or
// the Common Name when it has none, followed by any IP SANs.
func certDomains(cert *x509.Certificate) []string {
	var names []string
	if len(cert.DNSNames) > 0 {
		names = append(names, cert.DNSNames...)
	} else if cert.Subject.CommonName != "" {
		names = append(names, cert.Subject.CommonName)
	}
	for _, ip := range cert.IPAddresses {
		names = append(names, ip.String())
	}
	return names
}

// matchesHost reports whether cert is valid for host.
func matchesHost(cert *x509.Certificate, host string) bool {
	host = gcnet.NormalizeHost(host)

	if ip := net.ParseIP(host); ip != nil {
		for _, certIP := range cert.IPAddresses {
			if certIP.Equal(ip) {
				return true
			}
		}
	}

	for _, name := range certDomains(cert) {
		if matchName(name, host) {
			return true
		}
	}
	return false
}

// matchName compares a certificate name against a normalized host. A leading
// "*." matches exactly one label.
func matchName(pattern, host string) bool {
	if strings.HasPrefix(pattern, "*.") {
		suffix := gcnet.NormalizeHost(pattern[2:])
		if suffix == "" || !strings.HasSuffix(host, "."+suffix) {
			return false
		}
		label := strings.TrimSuffix(host, "."+suffix)
		return label != "" && !strings.Contains(label, ".")
	}
	return gcnet.NormalizeHost(pattern) == host
}
