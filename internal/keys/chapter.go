// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package keys

import (
	"fmt"
	"sync"

	"github.com/orihimee/lalona-vault/internal/cryptoutil"
	"github.com/orihimee/lalona-vault/internal/secret"
)

// SubkeySize is the length of every chapter subkey in bytes.
const SubkeySize = 32

// HKDF info labels for the chapter hierarchy. Domain separation between
// the three subkeys relies on these labels; the subkey salt is a 32-byte
// zero block.
const (
	infoChapterRoot = "chapter-root"
	infoHMACKey     = "hmac-key"
	infoMetadataKey = "metadata-key"
	infoFragmentMap = "fragment-map"
)

// Bundle is the per-chapter key set. All four subkeys are owned by the
// bundle; Wipe releases them together.
type Bundle struct {
	ChapterRoot *secret.Buffer
	HMAC        *secret.Buffer
	Metadata    *secret.Buffer
	FragmentMap *secret.Buffer
}

// Wipe releases all four subkeys and nils the references.
func (b *Bundle) Wipe() {
	if b == nil {
		return
	}
	b.ChapterRoot.Release()
	b.HMAC.Release()
	b.Metadata.Release()
	b.FragmentMap.Release()
	b.ChapterRoot, b.HMAC, b.Metadata, b.FragmentMap = nil, nil, nil, nil
}

// DeriveChapterRoot derives a chapter's root key from the root secret:
// HKDF-SHA256 with salt = chapterID, info = "chapter-root".
func DeriveChapterRoot(root []byte, chapterID string) (*secret.Buffer, error) {
	k, err := cryptoutil.HKDFSHA256(root, []byte(chapterID), []byte(infoChapterRoot), SubkeySize)
	if err != nil {
		return nil, fmt.Errorf("keys: chapter root: %w", err)
	}
	return secret.Take(k), nil
}

// DeriveBundle derives the chapter root and its three subkeys. The subkey
// derivations are independent and proceed concurrently.
func DeriveBundle(root []byte, chapterID string) (*Bundle, error) {
	chapterRoot, err := DeriveChapterRoot(root, chapterID)
	if err != nil {
		return nil, err
	}

	zeroSalt := make([]byte, SubkeySize)
	type result struct {
		key *secret.Buffer
		err error
	}
	derive := func(info string, out *result, wg *sync.WaitGroup) {
		defer wg.Done()
		k, err := cryptoutil.HKDFSHA256(chapterRoot.Bytes(), zeroSalt, []byte(info), SubkeySize)
		if err != nil {
			out.err = err
			return
		}
		out.key = secret.Take(k)
	}

	var wg sync.WaitGroup
	var hmacRes, metaRes, fragRes result
	wg.Add(3)
	go derive(infoHMACKey, &hmacRes, &wg)
	go derive(infoMetadataKey, &metaRes, &wg)
	go derive(infoFragmentMap, &fragRes, &wg)
	wg.Wait()

	for _, r := range []result{hmacRes, metaRes, fragRes} {
		if r.err != nil {
			chapterRoot.Release()
			hmacRes.key.Release()
			metaRes.key.Release()
			fragRes.key.Release()
			return nil, fmt.Errorf("keys: chapter subkeys: %w", r.err)
		}
	}
	return &Bundle{
		ChapterRoot: chapterRoot,
		HMAC:        hmacRes.key,
		Metadata:    metaRes.key,
		FragmentMap: fragRes.key,
	}, nil
}
