// Package credentials keeps the PetLink API token encrypted at rest in the
// data directory. Values are sealed with AES-256-GCM under a key derived from
// the machine identifier, so a copied data directory does not carry a usable
// token to another device.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is not 32 bytes.
	ErrInvalidKey = errors.New("invalid key")
)

const keyLen = 32

// keySalt is fixed: the key must be re-derivable from the machine ID alone.
var keySalt = []byte("petlink-credentials-v1")

// DeriveKey stretches a machine identifier into an AES-256 key.
func DeriveKey(machineID string) []byte {
	return argon2.IDKey([]byte(machineID), keySalt, 1, 64*1024, 4, keyLen)
}

// Seal encrypts plaintext and returns nonce||ciphertext, base64 encoded.
func Seal(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

// Open reverses Seal.
func Open(sealed string, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	if len(data) < gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}

	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keyLen {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
