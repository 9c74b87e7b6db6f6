package keystore

import (
	"crypto"
	"crypto/x509"
	"errors"
	"sync"

	"github.com/gemcap/gemcap/identity"
)

type memEntry struct {
	key   crypto.Signer
	chain []*x509.Certificate
}

// MemKeyStore keeps key pairs in memory.
type MemKeyStore struct {
	mtx     sync.RWMutex
	entries map[string]memEntry
}

var _ identity.KeyStore = (*MemKeyStore)(nil)

// NewMemKeyStore returns an empty MemKeyStore.
func NewMemKeyStore() *MemKeyStore {
	return &MemKeyStore{entries: make(map[string]memEntry)}
}

func (ks *MemKeyStore) ImportKeyPair(alias string, key crypto.Signer, chain []*x509.Certificate) error {
	if alias == "" {
		return errors.New("empty alias")
	}
	if len(chain) == 0 {
		return errors.New("empty certificate chain")
	}
	ks.mtx.Lock()
	defer ks.mtx.Unlock()
	ks.entries[alias] = memEntry{key: key, chain: append([]*x509.Certificate(nil), chain...)}
	return nil
}

func (ks *MemKeyStore) PrivateKey(alias string) (crypto.Signer, error) {
	ks.mtx.RLock()
	defer ks.mtx.RUnlock()
	e, ok := ks.entries[alias]
	if !ok {
		return nil, identity.ErrKeyNotFound
	}
	return e.key, nil
}

func (ks *MemKeyStore) CertificateChain(alias string) ([]*x509.Certificate, error) {
	ks.mtx.RLock()
	defer ks.mtx.RUnlock()
	e, ok := ks.entries[alias]
	if !ok {
		return nil, identity.ErrKeyNotFound
	}
	return e.chain, nil
}

func (ks *MemKeyStore) Contains(alias string) (bool, error) {
	ks.mtx.RLock()
	defer ks.mtx.RUnlock()
	_, ok := ks.entries[alias]
	return ok, nil
}

func (ks *MemKeyStore) Delete(alias string) error {
	ks.mtx.Lock()
	delete(ks.entries, alias)
	ks.mtx.Unlock()
	return nil
}
