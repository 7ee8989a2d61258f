// Package crypto implements the authenticated encryption engine for
// stored transfers: AES-256-GCM with a per-transfer random key and IV,
// a detached auth tag, and a separate SHA-256 checksum over ciphertext
// for storage-integrity verification.
//
// The key and tag are returned once at encrypt time and are never
// persisted; there is no mechanism to recover a lost key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the GCM nonce length in bytes. 128-bit IVs are carried
	// per transfer record, so the cipher is built with a matching
	// non-default nonce size.
	IVSize = 16
	// SaltSize is the length of the password-derivation salt generated
	// per transfer. The salt is persisted but the file key is
	// independently random, never password-derived.
	SaltSize = 32
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// ErrDecryptionFailed is returned when GCM authentication fails or the
// key/IV/tag material is malformed. No partial plaintext is ever
// returned alongside it.
var ErrDecryptionFailed = errors.New("decryption failed")

// GenerateKey returns a fresh random 256-bit AES key.
func GenerateKey() ([]byte, error) {
	return randomBytes(KeySize)
}

// GenerateIV returns a fresh random 128-bit initialization vector.
func GenerateIV() ([]byte, error) {
	return randomBytes(IVSize)
}

// GenerateSalt returns fresh random 256-bit salt material.
func GenerateSalt() ([]byte, error) {
	return randomBytes(SaltSize)
}

// Encrypt seals plaintext with AES-256-GCM under the given key and IV.
// The authentication tag is detached from the ciphertext so the caller
// can carry it out-of-band while only the ciphertext is persisted.
func Encrypt(plaintext, key, iv []byte) (ciphertext, tag []byte, err error) {
	aead, err := newAEAD(key, iv)
	if err != nil {
		return nil, nil, err
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)

	// Seal appends the tag to the ciphertext; split it off.
	split := len(sealed) - TagSize
	return sealed[:split], sealed[split:], nil
}

// Decrypt opens ciphertext sealed by Encrypt. It fails closed with
// ErrDecryptionFailed when the tag does not verify or any input is
// wrong-sized; partial or unauthenticated plaintext is never returned.
func Decrypt(ciphertext, key, iv, tag []byte) ([]byte, error) {
	if len(tag) != TagSize {
		return nil, fmt.Errorf("%w: auth tag must be %d bytes, got %d", ErrDecryptionFailed, TagSize, len(tag))
	}

	aead, err := newAEAD(key, iv)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// Checksum returns the hex SHA-256 digest of b. It is computed over
// ciphertext at store time and re-verified before every decrypt; it
// detects storage corruption, while the AEAD tag detects tampering or a
// wrong key. Both checks must pass independently.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum compares a stored digest against the digest of b in
// constant time.
func VerifyChecksum(b []byte, expected string) bool {
	actual := Checksum(b)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1
}

func newAEAD(key, iv []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrDecryptionFailed, KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrDecryptionFailed, IVSize, len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return aead, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("crypto/rand failure: %w", err)
	}
	return b, nil
}
