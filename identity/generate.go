package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/gemcap/gemcap/crypto/fingerprint"
)

const (
	// AliasPrefix starts every generated key alias.
	AliasPrefix = "gemini_client_cert_"

	// DefaultValidityYears is used when GenerateParams.ValidityYears is zero.
	DefaultValidityYears = 1

	rsaBits = 2048
)

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// GenerateParams describe the subject of a new identity.
type GenerateParams struct {
	CommonName    string
	Email         string
	Organization  string
	Country       string
	ValidityYears int
}

// ValidateBasic performs basic validation.
func (p GenerateParams) ValidateBasic() error {
	if p.CommonName == "" {
		return errors.New("common name is required")
	}
	if p.ValidityYears < 0 {
		return errors.New("validity years can't be negative")
	}
	if p.Country != "" && len(p.Country) != 2 {
		return fmt.Errorf("country must be a two-letter code, got %q", p.Country)
	}
	return nil
}

// NewAlias returns a fresh key alias.
func NewAlias() (string, error) {
	u, err := uuid.NewUUID()
	if err != nil {
		return "", err
	}
	return AliasPrefix + u.String(), nil
}

// Generate creates a self-signed client certificate, stores the key pair in
// the KeyStore and saves the metadata with no usages. If the metadata cannot
// be saved the key entry is removed again.
func (m *Manager) Generate(p GenerateParams) (Identity, error) {
	if err := p.ValidateBasic(); err != nil {
		return Identity{}, err
	}
	if p.ValidityYears == 0 {
		p.ValidityYears = DefaultValidityYears
	}

	alias, err := NewAlias()
	if err != nil {
		return Identity{}, fmt.Errorf("alias: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return Identity{}, fmt.Errorf("generate key: %w", err)
	}

	now := m.now()
	cert, err := selfSign(key, p, now)
	if err != nil {
		return Identity{}, err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if err := m.keys.ImportKeyPair(alias, key, []*x509.Certificate{cert}); err != nil {
		return Identity{}, fmt.Errorf("import key pair: %w", err)
	}

	id := Identity{
		Alias:        alias,
		CommonName:   p.CommonName,
		Email:        p.Email,
		Organization: p.Organization,
		Usages:       []UsageScope{},
		Fingerprint:  fingerprint.Certificate(cert, fingerprint.Uppercase(), fingerprint.Separator(':')),
		CreatedAt:    now,
		ExpiresAt:    cert.NotAfter,
		Active:       true,
	}
	if err := m.store.Save(id); err != nil {
		if derr := m.keys.Delete(alias); derr != nil {
			m.logger.Error("failed to roll back key entry", "alias", alias, "err", derr)
		}
		return Identity{}, fmt.Errorf("save identity: %w", err)
	}

	m.logger.Info("generated identity", "identity", id)
	return id, nil
}

func selfSign(key *rsa.PrivateKey, p GenerateParams, now time.Time) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("serial: %w", err)
	}

	subject := pkix.Name{CommonName: p.CommonName}
	if p.Organization != "" {
		subject.Organization = []string{p.Organization}
	}
	if p.Country != "" {
		subject.Country = []string{p.Country}
	}
	if p.Email != "" {
		subject.ExtraNames = append(subject.ExtraNames, pkix.AttributeTypeAndValue{
			Type:  oidEmailAddress,
			Value: p.Email,
		})
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(time.Duration(p.ValidityYears) * 365 * 24 * time.Hour),
		SignatureAlgorithm:    x509.SHA256WithRSA,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}
