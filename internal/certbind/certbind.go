// Package certbind selects the client certificate for each TLS handshake.
//
// All fetches share one base *tls.Config. The identity to present travels in
// the handshake context, so concurrent handshakes never see each other's
// selection.
package certbind

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"

	"github.com/gemcap/gemcap/identity"
	"github.com/gemcap/gemcap/libs/log"
	gcnet "github.com/gemcap/gemcap/libs/net"
)

// ALPN is the protocol offered during the handshake.
const ALPN = "gemini"

const sessionCacheSize = 64

// ErrNoPeerCertificate is returned by the handshake when the server sent no
// certificate.
var ErrNoPeerCertificate = errors.New("server presented no certificate")

type aliasKey struct{}

// WithAlias returns a context carrying the identity alias for a handshake.
func WithAlias(ctx context.Context, alias string) context.Context {
	return context.WithValue(ctx, aliasKey{}, alias)
}

// AliasFromContext returns the alias set by WithAlias, or "".
func AliasFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	alias, _ := ctx.Value(aliasKey{}).(string)
	return alias
}

// Binder hands out TLS configurations that present the identity named in the
// handshake context.
type Binder struct {
	keys   identity.KeyStore
	logger log.Logger
	base   *tls.Config
}

// NewBinder returns a Binder loading certificates from keys.
func NewBinder(keys identity.KeyStore, logger log.Logger) *Binder {
	b := &Binder{keys: keys, logger: logger}
	b.base = &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{ALPN},
		// Trust is decided after the handshake, see package tofu.
		InsecureSkipVerify:    true, // nolint:gosec
		VerifyPeerCertificate: verifyNonEmpty,
		ClientSessionCache:    tls.NewLRUClientSessionCache(sessionCacheSize),
		GetClientCertificate:  b.getClientCertificate,
	}
	return b
}

// ConfigFor returns a configuration for connecting to host. SNI is set unless
// host is an IP literal. When alias is set, session resumption is disabled
// so the server's certificate request reaches GetClientCertificate.
func (b *Binder) ConfigFor(host, alias string) *tls.Config {
	cfg := b.base.Clone()
	if !gcnet.IsIP(host) {
		cfg.ServerName = host
	}
	if alias != "" {
		cfg.ClientSessionCache = nil
	}
	return cfg
}

func (b *Binder) getClientCertificate(cri *tls.CertificateRequestInfo) (*tls.Certificate, error) {
	alias := AliasFromContext(cri.Context())
	if alias == "" {
		return &tls.Certificate{}, nil
	}

	cert, err := b.load(alias)
	if err != nil {
		b.logger.Error("can't load client certificate; presenting none", "alias", alias, "err", err)
		return &tls.Certificate{}, nil
	}
	b.logger.Debug("presenting client certificate", "alias", alias)
	return cert, nil
}

func (b *Binder) load(alias string) (*tls.Certificate, error) {
	chain, err := b.keys.CertificateChain(alias)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, errors.New("empty certificate chain")
	}
	key, err := b.keys.PrivateKey(alias)
	if err != nil {
		return nil, err
	}

	raw := make([][]byte, len(chain))
	for i, c := range chain {
		raw[i] = c.Raw
	}
	return &tls.Certificate{Certificate: raw, PrivateKey: key, Leaf: chain[0]}, nil
}

func verifyNonEmpty(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrNoPeerCertificate
	}
	return nil
}
