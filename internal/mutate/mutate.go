// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

// Package mutate applies the reversible XOR stream that keeps render
// output from being a valid image while it sits in a live buffer. The
// keystream is AES-CTR under the ephemeral key with a zero IV; the key is
// used for exactly one render, so the fixed IV never repeats under a key.
package mutate

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// Apply XORs the keystream over buf in place.
func Apply(buf, key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("mutate: cipher: %w", err)
	}
	iv := make([]byte, block.BlockSize())
	cipher.NewCTR(block, iv).XORKeyStream(buf, buf)
	return nil
}

// Reverse undoes Apply under the same key. Reverse(Apply(x)) == x.
func Reverse(buf, key []byte) error {
	return Apply(buf, key)
}
