// Package keystore provides identity.KeyStore implementations.
package keystore

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/creachadair/atomicfile"

	"github.com/gemcap/gemcap/identity"
	gcos "github.com/gemcap/gemcap/libs/os"
)

const (
	blockCertificate = "CERTIFICATE"
	blockPrivateKey  = "PRIVATE KEY"
	blockSealedKey   = "GEMCAP SEALED PRIVATE KEY"

	headerSalt = "Salt"
)

var aliasRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// FileKeyStore keeps one PEM bundle per alias in a directory. When created
// with a passphrase the private key block is sealed with XChaCha20-Poly1305
// under an Argon2id-derived key.
type FileKeyStore struct {
	dir        string
	passphrase []byte

	mtx sync.RWMutex
}

var _ identity.KeyStore = (*FileKeyStore)(nil)

// NewFileKeyStore returns a FileKeyStore rooted at dir, creating it if
// needed. An empty passphrase stores keys unencrypted.
func NewFileKeyStore(dir, passphrase string) (*FileKeyStore, error) {
	if err := gcos.EnsureDir(dir, 0700); err != nil {
		return nil, err
	}
	ks := &FileKeyStore{dir: dir}
	if passphrase != "" {
		ks.passphrase = []byte(passphrase)
	}
	return ks, nil
}

// ImportKeyPair writes key and chain for alias, replacing any existing entry.
func (ks *FileKeyStore) ImportKeyPair(alias string, key crypto.Signer, chain []*x509.Certificate) error {
	path, err := ks.path(alias)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		return errors.New("empty certificate chain")
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	var buf bytes.Buffer
	keyBlock := &pem.Block{Type: blockPrivateKey, Bytes: der}
	if ks.passphrase != nil {
		salt, sealed, err := seal(ks.passphrase, alias, der)
		if err != nil {
			return fmt.Errorf("seal private key: %w", err)
		}
		keyBlock = &pem.Block{
			Type:    blockSealedKey,
			Headers: map[string]string{headerSalt: hex.EncodeToString(salt)},
			Bytes:   sealed,
		}
	}
	if err := pem.Encode(&buf, keyBlock); err != nil {
		return err
	}
	for _, c := range chain {
		if err := pem.Encode(&buf, &pem.Block{Type: blockCertificate, Bytes: c.Raw}); err != nil {
			return err
		}
	}

	ks.mtx.Lock()
	defer ks.mtx.Unlock()

	if _, err := atomicfile.WriteAll(path, &buf, 0600); err != nil {
		return fmt.Errorf("write key entry %s: %w", alias, err)
	}
	return nil
}

// PrivateKey loads the private key for alias.
func (ks *FileKeyStore) PrivateKey(alias string) (crypto.Signer, error) {
	key, _, err := ks.load(alias, true)
	return key, err
}

// CertificateChain loads the certificate chain for alias.
func (ks *FileKeyStore) CertificateChain(alias string) ([]*x509.Certificate, error) {
	_, chain, err := ks.load(alias, false)
	return chain, err
}

// Contains reports whether an entry exists for alias.
func (ks *FileKeyStore) Contains(alias string) (bool, error) {
	path, err := ks.path(alias)
	if err != nil {
		return false, err
	}
	ks.mtx.RLock()
	defer ks.mtx.RUnlock()
	return gcos.FileExists(path), nil
}

// Delete removes the entry for alias.
func (ks *FileKeyStore) Delete(alias string) error {
	path, err := ks.path(alias)
	if err != nil {
		return err
	}
	ks.mtx.Lock()
	defer ks.mtx.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (ks *FileKeyStore) path(alias string) (string, error) {
	if !aliasRe.MatchString(alias) {
		return "", fmt.Errorf("invalid alias %q", alias)
	}
	return filepath.Join(ks.dir, alias+".pem"), nil
}

func (ks *FileKeyStore) load(alias string, wantKey bool) (crypto.Signer, []*x509.Certificate, error) {
	path, err := ks.path(alias)
	if err != nil {
		return nil, nil, err
	}

	ks.mtx.RLock()
	data, err := os.ReadFile(path)
	ks.mtx.RUnlock()
	if os.IsNotExist(err) {
		return nil, nil, identity.ErrKeyNotFound
	} else if err != nil {
		return nil, nil, err
	}

	var (
		key   crypto.Signer
		chain []*x509.Certificate
		block *pem.Block
	)
	for {
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case blockCertificate:
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, fmt.Errorf("parse certificate for %s: %w", alias, err)
			}
			chain = append(chain, c)
		case blockPrivateKey, blockSealedKey:
			if !wantKey {
				continue
			}
			key, err = ks.decodeKey(alias, block)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	if wantKey && key == nil {
		return nil, nil, fmt.Errorf("no private key in entry %s", alias)
	}
	return key, chain, nil
}

func (ks *FileKeyStore) decodeKey(alias string, block *pem.Block) (crypto.Signer, error) {
	der := block.Bytes
	if block.Type == blockSealedKey {
		if ks.passphrase == nil {
			return nil, fmt.Errorf("key entry %s is sealed and no passphrase is set", alias)
		}
		salt, err := hex.DecodeString(block.Headers[headerSalt])
		if err != nil {
			return nil, fmt.Errorf("bad salt in key entry %s: %w", alias, err)
		}
		der, err = open(ks.passphrase, alias, salt, block.Bytes)
		if err != nil {
			return nil, err
		}
	}

	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key for %s: %w", alias, err)
	}
	signer, ok := k.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key for %s is not a signer", alias)
	}
	return signer, nil
}
