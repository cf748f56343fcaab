package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	NonceSize = 12
	TagSize   = 16
)

// Seal encrypts and authenticates plaintext under key using AES-256-GCM with
// a freshly generated 96-bit nonce. The returned blob is laid out as
// nonce || ciphertext || tag, matching the remote blob wire format in
// spec.md §6. aad is authenticated but not encrypted; callers pass the
// chunk id, inode number, or other context to bind the ciphertext to its
// identity and prevent splicing attacks.
func Seal(key SubKey, aad []byte, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce generation failed: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open verifies and decrypts a blob produced by Seal. It returns
// ErrAuthFailure (never retried) if the tag does not verify, which signals
// either tampering or the wrong key — for the root inode this doubles as the
// only password check the system performs, since no verifier is stored.
func Open(key SubKey, aad []byte, blob []byte) ([]byte, error) {
	if len(blob) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: blob too short", ErrAuthFailure)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := blob[:NonceSize], blob[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	return plaintext, nil
}

func newGCM(key SubKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher init failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm init failed: %w", err)
	}
	return gcm, nil
}
