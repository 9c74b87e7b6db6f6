package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	saltSize = 16

	argonTime    = 3
	argonMemory  = 32 * 1024
	argonThreads = 4
)

// ErrDecrypt is returned when a sealed key cannot be opened, usually because
// of a wrong passphrase.
var ErrDecrypt = errors.New("failed to decrypt key entry")

func stretchKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// seal encrypts plaintext under passphrase. The result is nonce||ciphertext;
// the salt is returned separately. alias is bound as associated data.
func seal(passphrase []byte, alias string, plaintext []byte) (salt, sealed []byte, err error) {
	salt = make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.NewX(stretchKey(passphrase, salt))
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return salt, aead.Seal(nonce, nonce, plaintext, []byte(alias)), nil
}

func open(passphrase []byte, alias string, salt, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(stretchKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: short ciphertext", ErrDecrypt)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(alias))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
