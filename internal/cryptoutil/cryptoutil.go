// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

// Package cryptoutil wraps the primitive suite used by the vault:
// PBKDF2-SHA512, HKDF-SHA256, AES-256-GCM, HMAC-SHA256 and the OS CSPRNG.
// Functions are byte-in/byte-out; intermediate buffers are wiped before
// return, and key inputs are never copied onto the heap beyond what the
// underlying primitive requires.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/orihimee/lalona-vault/internal/faults"
	"github.com/orihimee/lalona-vault/internal/memwipe"
)

const (
	// GCMNonceSize is the IV length of every AES-GCM blob, in bytes.
	GCMNonceSize = 12
	// GCMTagSize is the authentication tag length, in bytes.
	GCMTagSize = 16
	// KeySize is the AES-256 and HMAC-SHA256 key length, in bytes.
	KeySize = 32

	// MaxRandom bounds a single RandomBytes request.
	MaxRandom = 4096
)

// PBKDF2SHA512 derives dkLen bytes from password and salt.
func PBKDF2SHA512(password, salt []byte, iters, dkLen int) []byte {
	return pbkdf2.Key(password, salt, iters, dkLen, sha512.New)
}

// HKDFSHA256 runs Extract-then-Expand with SHA-256.
func HKDFSHA256(ikm, salt, info []byte, outLen int) ([]byte, error) {
	if outLen <= 0 {
		return nil, fmt.Errorf("hkdf: invalid output length %d", outLen)
	}
	out := make([]byte, outLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		memwipe.Wipe(out)
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// EncryptGCM seals plaintext under key with a fresh random IV and returns
// IV(12) ∥ ciphertext ∥ tag(16). aad may be nil.
func EncryptGCM(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, GCMNonceSize, GCMNonceSize+len(plaintext)+GCMTagSize)
	if _, err := io.ReadFull(rand.Reader, blob[:GCMNonceSize]); err != nil {
		return nil, fmt.Errorf("gcm: iv: %w", err)
	}
	return aead.Seal(blob, blob[:GCMNonceSize], plaintext, aad), nil
}

// DecryptGCM opens a blob produced by EncryptGCM. A tag mismatch returns
// faults.ErrAuth; any partial plaintext is wiped before the error surfaces.
func DecryptGCM(key, blob, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < GCMNonceSize+GCMTagSize {
		return nil, faults.ErrAuth
	}
	plaintext, err := aead.Open(nil, blob[:GCMNonceSize], blob[GCMNonceSize:], aad)
	if err != nil {
		memwipe.Wipe(plaintext)
		return nil, faults.ErrAuth
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("gcm: invalid key length %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("gcm: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: mode: %w", err)
	}
	return aead, nil
}

// HMACSHA256 computes the SHA-256 HMAC of data under key.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HMACEqual compares two MACs in constant time.
func HMACEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// RandomBytes returns n cryptographically random bytes, 1 ≤ n ≤ 4096.
func RandomBytes(n int) ([]byte, error) {
	if n <= 0 || n > MaxRandom {
		return nil, fmt.Errorf("random: invalid length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("random: %w", err)
	}
	return b, nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
