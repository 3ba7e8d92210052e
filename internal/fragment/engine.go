// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

// Package fragment implements the per-fragment encrypt-then-MAC pipeline:
// canary embed → AES-GCM with identity-binding AAD → HMAC over the
// ciphertext blob, and the fail-fast inverse.
package fragment

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/orihimee/lalona-vault/internal/canary"
	"github.com/orihimee/lalona-vault/internal/cryptoutil"
	"github.com/orihimee/lalona-vault/internal/faults"
	"github.com/orihimee/lalona-vault/internal/memwipe"
)

// Record is the stored form of one encrypted fragment.
type Record struct {
	Index         int    `json:"index"`
	EncryptedData string `json:"encryptedData"` // Base64 of IV ∥ CT ∥ tag
	AADB64        string `json:"aad"`
	HMACHex       string `json:"hmac"`
	OriginalSize  int    `json:"originalSize"`
	EncryptedSize int    `json:"encryptedSize"`
}

// AAD builds the associated data binding a fragment to its image and
// position: the UTF-8 bytes of imageID ":" index.
func AAD(imageID string, index int) []byte {
	return []byte(imageID + ":" + strconv.Itoa(index))
}

// Encrypt runs the ingest pipeline over one raw fragment. chapterRoot
// feeds the canary derivation; hmacKey authenticates the ciphertext blob.
// Transient buffers are wiped before return.
func Encrypt(ctx context.Context, imageID string, frag Raw, chapterRoot, hmacKey []byte) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	sentinel, err := canary.Derive(chapterRoot, frag.Index)
	if err != nil {
		return Record{}, err
	}
	defer memwipe.Wipe(sentinel)

	embedded := canary.Embed(frag.Bytes, sentinel)
	defer memwipe.Wipe(embedded)

	aad := AAD(imageID, frag.Index)
	blob, err := cryptoutil.EncryptGCM(chapterRoot, embedded, aad)
	if err != nil {
		return Record{}, fmt.Errorf("fragment %d: encrypt: %w", frag.Index, err)
	}
	mac := cryptoutil.HMACSHA256(hmacKey, blob)

	return Record{
		Index:         frag.Index,
		EncryptedData: base64.StdEncoding.EncodeToString(blob),
		AADB64:        base64.StdEncoding.EncodeToString(aad),
		HMACHex:       hex.EncodeToString(mac),
		OriginalSize:  len(frag.Bytes),
		EncryptedSize: len(blob),
	}, nil
}

// VerifyHMAC recomputes the MAC over a record's ciphertext blob and
// compares it against the stored value in constant time. This is stage
// one of the read pipeline: the cheapest check that can reject a tampered
// fragment, run before any AES call.
func VerifyHMAC(rec Record, hmacKey []byte) error {
	blob, err := base64.StdEncoding.DecodeString(rec.EncryptedData)
	if err != nil {
		return faults.ErrIntegrity
	}
	storedMAC, err := hex.DecodeString(rec.HMACHex)
	if err != nil {
		return faults.ErrIntegrity
	}
	if !cryptoutil.HMACEqual(cryptoutil.HMACSHA256(hmacKey, blob), storedMAC) {
		return faults.ErrIntegrity
	}
	return nil
}

// DecryptNoCanary runs stages two and three: the AAD identity check and
// the authenticated decryption. The returned buffer still carries the
// canary overhead; callers continue with CheckAndStrip.
func DecryptNoCanary(ctx context.Context, imageID string, rec Record, chapterRoot []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blob, err := base64.StdEncoding.DecodeString(rec.EncryptedData)
	if err != nil {
		return nil, faults.ErrIntegrity
	}
	expectedAAD := AAD(imageID, rec.Index)
	if rec.AADB64 != base64.StdEncoding.EncodeToString(expectedAAD) {
		return nil, faults.ErrSubstitution
	}
	return cryptoutil.DecryptGCM(chapterRoot, blob, expectedAAD)
}

// CheckAndStrip runs stages four and five: constant-time canary
// verification and overhead removal. On mismatch the embedded buffer is
// wiped before the error returns. The result is an owned copy; the caller
// wipes embedded on success.
func CheckAndStrip(embedded, chapterRoot []byte, index int) ([]byte, error) {
	sentinel, err := canary.Derive(chapterRoot, index)
	if err != nil {
		memwipe.Wipe(embedded)
		return nil, err
	}
	defer memwipe.Wipe(sentinel)
	if err := canary.Verify(embedded, sentinel); err != nil {
		memwipe.Wipe(embedded)
		return nil, err
	}
	data, err := canary.Strip(embedded)
	if err != nil {
		memwipe.Wipe(embedded)
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Decrypt runs the whole fail-fast read pipeline: HMAC, AAD identity,
// AES-GCM, canary, strip — in that order. The returned plaintext is owned
// by the caller.
func Decrypt(ctx context.Context, imageID string, rec Record, chapterRoot, hmacKey []byte) ([]byte, error) {
	if err := VerifyHMAC(rec, hmacKey); err != nil {
		return nil, err
	}
	embedded, err := DecryptNoCanary(ctx, imageID, rec, chapterRoot)
	if err != nil {
		return nil, err
	}
	out, err := CheckAndStrip(embedded, chapterRoot, rec.Index)
	if err != nil {
		return nil, err
	}
	memwipe.Wipe(embedded)
	return out, nil
}
