// Package tofu implements trust-on-first-use verification of Gemini server
// certificates.
//
// The TLS layer accepts any non-empty chain during the handshake. All trust
// decisions are made afterwards by Verifier.Verify, which pins the SHA-256 of
// the server's public key per host and port.
package tofu

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gemcap/gemcap/crypto/fingerprint"
	"github.com/gemcap/gemcap/libs/log"
	"github.com/gemcap/gemcap/tofu/store"
)

// Verifier decides whether a server certificate is trusted. It is safe for
// concurrent use.
type Verifier struct {
	store  store.Store
	logger log.Logger

	roots          *x509.CertPool
	useSystemRoots bool
	now            func() time.Time

	// mtx serializes the lookup-then-write sequence of Verify and guards
	// bypass.
	mtx    sync.Mutex
	bypass map[string]struct{}
}

// Option sets a parameter for the Verifier.
type Option func(*Verifier)

// Logger sets the logger.
func Logger(l log.Logger) Option {
	return func(v *Verifier) {
		v.logger = l
	}
}

// Roots sets the CA pool used to recognize authorized key rotations. It
// overrides the system pool.
func Roots(pool *x509.CertPool) Option {
	return func(v *Verifier) {
		v.roots = pool
	}
}

// SystemRoots toggles use of the system CA pool when no Roots are given.
// Enabled by default.
func SystemRoots(enabled bool) Option {
	return func(v *Verifier) {
		v.useSystemRoots = enabled
	}
}

// Clock overrides the time source, mainly for tests.
func Clock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier returns a Verifier persisting pins to s.
func NewVerifier(s store.Store, opts ...Option) *Verifier {
	v := &Verifier{
		store:          s,
		logger:         log.NewNopLogger(),
		useSystemRoots: true,
		now:            time.Now,
		bypass:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify evaluates the certificate presented for host:port. chain is the
// peer chain as sent by the server; chain[0] is the leaf.
//
// An error is returned only when the chain is empty or the store fails.
func (v *Verifier) Verify(host string, port int, chain []*x509.Certificate) (Outcome, error) {
	if len(chain) == 0 || chain[0] == nil {
		return nil, errors.New("empty certificate chain")
	}
	cert := chain[0]
	now := v.now()

	if !matchesHost(cert, host) && !v.hasBypass(host, port) {
		return DomainMismatch{Host: host, CertDomains: certDomains(cert)}, nil
	}

	if now.Before(cert.NotBefore) {
		return NotYetValid{Host: host, NotBefore: cert.NotBefore}, nil
	}
	if now.After(cert.NotAfter) {
		return Expired{Host: host, ExpiredAt: cert.NotAfter}, nil
	}

	caTrusted := v.caTrusted(chain, now)
	fp := fingerprint.PublicKey(cert)
	rec := store.TrustRecord{Host: host, Port: port, Fingerprint: fp, Expiry: cert.NotAfter}

	v.mtx.Lock()
	defer v.mtx.Unlock()

	old, err := v.store.Get(host, port)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := v.store.Save(rec); err != nil {
			return nil, fmt.Errorf("pin %s: %w", rec.Key(), err)
		}
		v.logger.Info("pinned certificate on first use", "record", rec)
		return FirstUse{Fingerprint: fp, Expiry: cert.NotAfter}, nil
	case err != nil:
		return nil, fmt.Errorf("load pin for %s: %w", store.Key(host, port), err)
	}

	pinExpired := !now.Before(old.Expiry)

	if old.Fingerprint == fp {
		if pinExpired || !old.Expiry.Equal(cert.NotAfter) {
			if err := v.store.Save(rec); err != nil {
				return nil, fmt.Errorf("refresh pin %s: %w", rec.Key(), err)
			}
		}
		return Trusted{Fingerprint: fp}, nil
	}

	changed := CertificateChanged{
		Host:           host,
		Port:           port,
		OldFingerprint: old.Fingerprint,
		NewFingerprint: fp,
		OldExpiry:      old.Expiry,
		NewExpiry:      cert.NotAfter,
		WasExpired:     pinExpired,
		CATrusted:      caTrusted,
	}

	switch {
	case pinExpired:
		if err := v.store.Save(rec); err != nil {
			return nil, fmt.Errorf("replace expired pin %s: %w", rec.Key(), err)
		}
		v.logger.Info("replaced expired pin", "old", old, "new", rec)
		return changed, nil
	case caTrusted:
		if err := v.store.Save(rec); err != nil {
			return nil, fmt.Errorf("rotate pin %s: %w", rec.Key(), err)
		}
		v.logger.Info("accepted CA-signed key rotation", "old", old, "new", rec)
		return Trusted{Fingerprint: fp}, nil
	default:
		v.logger.Error("certificate changed", "old", old, "new", rec)
		return changed, nil
	}
}

// AcceptNewCertificate pins fingerprint for host:port after the user has
// confirmed a CertificateChanged or DomainMismatch outcome.
func (v *Verifier) AcceptNewCertificate(host string, port int, fp string, expiry time.Time) error {
	rec := store.TrustRecord{Host: host, Port: port, Fingerprint: fp, Expiry: expiry}

	v.mtx.Lock()
	defer v.mtx.Unlock()

	if err := v.store.Save(rec); err != nil {
		return fmt.Errorf("accept %s: %w", rec.Key(), err)
	}
	v.logger.Info("user accepted certificate", "record", rec)
	return nil
}

// AddDomainBypass skips the domain check for host:port for the lifetime of
// the Verifier. Bypasses are never persisted.
func (v *Verifier) AddDomainBypass(host string, port int) {
	v.mtx.Lock()
	v.bypass[store.Key(host, port)] = struct{}{}
	v.mtx.Unlock()
}

// Records returns all pinned records.
func (v *Verifier) Records() ([]store.TrustRecord, error) {
	return v.store.List()
}

func (v *Verifier) hasBypass(host string, port int) bool {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	_, ok := v.bypass[store.Key(host, port)]
	return ok
}

// caTrusted reports whether chain verifies against the configured CA pool.
// Failure is never fatal.
func (v *Verifier) caTrusted(chain []*x509.Certificate, now time.Time) bool {
	if v.roots == nil && !v.useSystemRoots {
		return false
	}

	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   now,
	})
	if err != nil {
		v.logger.Debug("chain not CA trusted", "err", err)
		return false
	}
	return true
}
