package identity

import (
	"crypto"
	"crypto/x509"
	"errors"
)

var (
	// ErrNotFound is returned when no identity has the requested alias.
	ErrNotFound = errors.New("identity not found")

	// ErrKeyNotFound is returned by a KeyStore that holds no entry for an
	// alias.
	ErrKeyNotFound = errors.New("key entry not found")
)

// Store persists identity metadata.
type Store interface {
	// List returns every identity, newest first.
	List() ([]Identity, error)

	// Get returns the identity with the given alias.
	//
	// If there is none, ErrNotFound is returned.
	Get(alias string) (Identity, error)

	// Save inserts id as the newest identity, or replaces the identity with
	// the same alias keeping its position.
	Save(id Identity) error

	// Delete removes the identity. Deleting a missing alias is not an error.
	Delete(alias string) error
}

// KeyStore holds private keys and certificate chains by alias.
type KeyStore interface {
	ImportKeyPair(alias string, key crypto.Signer, chain []*x509.Certificate) error

	// PrivateKey returns ErrKeyNotFound for an unknown alias.
	PrivateKey(alias string) (crypto.Signer, error)

	// CertificateChain returns ErrKeyNotFound for an unknown alias.
	CertificateChain(alias string) ([]*x509.Certificate, error)

	Contains(alias string) (bool, error)

	// Delete removes the entry. Deleting a missing alias is not an error.
	Delete(alias string) error
}
