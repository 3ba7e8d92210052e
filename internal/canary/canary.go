// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

// Package canary derives and checks the per-fragment interior sentinel.
// The canary sits inside the AEAD plaintext, so a fragment substituted
// wholesale — even one with a valid tag under the same key — is caught
// when its sentinel fails to match the index-bound derivation.
package canary

import (
	"crypto/subtle"
	"fmt"
	"strconv"

	"github.com/orihimee/lalona-vault/internal/cryptoutil"
	"github.com/orihimee/lalona-vault/internal/faults"
)

const (
	// Size is the canary length in bytes.
	Size = 16
	// PadSize is the derived-pad length appended after the canary.
	PadSize = 16
	// Overhead is the total plaintext growth from Embed.
	Overhead = Size + PadSize
)

const infoCanary = "canary-derive"

// Derive computes the sentinel for one fragment:
// HKDF(chapterRoot, salt = "canary:"+index, info = "canary-derive", 16).
func Derive(chapterRoot []byte, fragmentIndex int) ([]byte, error) {
	salt := []byte("canary:" + strconv.Itoa(fragmentIndex))
	c, err := cryptoutil.HKDFSHA256(chapterRoot, salt, []byte(infoCanary), Size)
	if err != nil {
		return nil, fmt.Errorf("canary: derive: %w", err)
	}
	return c, nil
}

// Embed appends the canary and its derived pad to data:
// out = data ∥ canary(16) ∥ pad(16), pad[i] = canary[i mod 16] ^ ((i+1)*0x5A).
func Embed(data, canary []byte) []byte {
	out := make([]byte, 0, len(data)+Overhead)
	out = append(out, data...)
	out = append(out, canary...)
	for i := 0; i < PadSize; i++ {
		out = append(out, canary[i%Size]^byte((i+1)*0x5A))
	}
	return out
}

// Verify checks the canary region of an embedded blob in constant time.
// The pad is derivable from the canary and is not checked.
func Verify(blob, expected []byte) error {
	if len(blob) < Overhead || len(expected) != Size {
		return faults.ErrCanary
	}
	region := blob[len(blob)-Overhead : len(blob)-PadSize]
	if subtle.ConstantTimeCompare(region, expected) != 1 {
		return faults.ErrCanary
	}
	return nil
}

// Strip returns the data prefix of an embedded blob. The returned slice
// aliases blob; callers wipe blob itself when done.
func Strip(blob []byte) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, faults.ErrCanary
	}
	return blob[:len(blob)-Overhead], nil
}
