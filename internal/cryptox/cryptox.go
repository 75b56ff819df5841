// Package cryptox implements the per-upload encryption service and the
// salted content addressing used to deduplicate uploads.
//
// Every upload is sealed with a freshly generated ChaCha20-Poly1305 key and
// nonce. The server never stores either: both travel back to the uploader
// inside the share URL, which makes possession of the URL the only
// decryption capability.
package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecryptionFailed is returned for every decryption problem: wrong key,
// wrong nonce, or a corrupted object. The cases are deliberately not
// distinguishable to the caller.
var ErrDecryptionFailed = errors.New("decryption failed")

// AddressLength is the number of hex characters of the salted digest used as
// the public content address.
const AddressLength = 10

// KeyMaterial is the key+nonce pair for exactly one upload.
type KeyMaterial struct {
	Key   []byte
	Nonce []byte
}

// Encode serializes key and nonce into the URL-safe token embedded in share
// URLs.
func (m KeyMaterial) Encode() string {
	return base64.RawURLEncoding.EncodeToString(append(append([]byte{}, m.Key...), m.Nonce...))
}

// DecodeKeyMaterial parses a token produced by Encode. Malformed tokens are
// reported as ErrDecryptionFailed so callers cannot probe the encoding.
func DecodeKeyMaterial(token string) (KeyMaterial, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != chacha20poly1305.KeySize+chacha20poly1305.NonceSize {
		return KeyMaterial{}, ErrDecryptionFailed
	}
	return KeyMaterial{
		Key:   raw[:chacha20poly1305.KeySize],
		Nonce: raw[chacha20poly1305.KeySize:],
	}, nil
}

// Encrypt seals plaintext under a freshly generated random key and nonce.
// aad binds the ciphertext to its storage locator so an object cannot be
// decrypted under a different identity.
func Encrypt(plaintext []byte, aad []byte) ([]byte, KeyMaterial, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, KeyMaterial{}, fmt.Errorf("generate key: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, KeyMaterial{}, fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, KeyMaterial{}, fmt.Errorf("create cipher: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, aad)
	return ciphertext, KeyMaterial{Key: key, Nonce: nonce}, nil
}

// Decrypt opens a ciphertext produced by Encrypt with the caller-supplied
// key material and the same aad.
func Decrypt(ciphertext []byte, material KeyMaterial, aad []byte) ([]byte, error) {
	if len(material.Key) != chacha20poly1305.KeySize || len(material.Nonce) != chacha20poly1305.NonceSize {
		return nil, ErrDecryptionFailed
	}

	aead, err := chacha20poly1305.New(material.Key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := aead.Open(nil, material.Nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Address computes the salted content address of a plaintext: the first
// AddressLength hex characters of SHA-256(secret || plaintext). The salt keeps
// an adversary with a sample plaintext from testing whether that exact file
// is stored. Changing the secret orphans every previously issued address.
func Address(plaintext []byte, secret string) string {
	h := sha256.New()
	h.Write([]byte(secret))
	h.Write(plaintext)
	return hex.EncodeToString(h.Sum(nil))[:AddressLength]
}

// TokensEqual compares a presented credential against a configured one in
// constant time.
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
