// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package vault

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orihimee/lalona-vault/internal/fragment"
	"github.com/orihimee/lalona-vault/internal/keys"
	"github.com/orihimee/lalona-vault/internal/storage"
)

// titleHintLen bounds how much of a title leaks into the plaintext catalog.
const titleHintLen = 16

// PageImageID names one page's image within a chapter.
func PageImageID(chapterID string, page int) string {
	return fmt.Sprintf("%s-p%03d", chapterID, page)
}

// IngestChapter encrypts rawImages into the vault as one chapter. Raw
// bytes never persist: each image is split, every fragment runs the
// canary/GCM/HMAC pipeline and lands on disk ciphertext-only, then the
// manifest and chapter metadata are written encrypted. Ingest is
// sequential across the fragments of one image.
func (s *Session) IngestChapter(ctx context.Context, chapterID, title string, rawImages [][]byte) (*storage.ChapterMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireBootstrap(); err != nil {
		return nil, err
	}

	root, err := s.rootSvc.DeriveRootSecret(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	defer root.Release()

	bundle, err := keys.DeriveBundle(root.Bytes(), chapterID)
	if err != nil {
		return nil, err
	}
	defer bundle.Wipe()

	// Ingestion-scoped hex salt: fragment filenames are unlinkable across
	// re-ingests of the same chapter.
	id := uuid.New()
	ingestSalt := hex.EncodeToString(id[:])

	meta := storage.ChapterMetadata{
		ChapterID:  chapterID,
		Title:      title,
		CreatedAt:  time.Now().UnixMilli(),
		KeyVersion: 1,
	}
	if _, err := s.coord.ChapterDir(ctx, chapterID); err != nil {
		return nil, err
	}
	for page, img := range rawImages {
		imageID := PageImageID(chapterID, page)
		if err := s.ingestImage(ctx, chapterID, imageID, ingestSalt, img, bundle); err != nil {
			return nil, fmt.Errorf("ingest page %d: %w", page, err)
		}
		meta.ImageIDs = append(meta.ImageIDs, imageID)
	}

	if err := s.coord.SaveChapterMetadata(ctx, meta, bundle); err != nil {
		return nil, err
	}
	wrapped, err := s.rotSvc.Wrap(bundle.ChapterRoot.Bytes(), root.Bytes(), chapterID, 1)
	if err != nil {
		return nil, err
	}
	if err := s.coord.SaveWrappedKey(ctx, chapterID, wrapped); err != nil {
		return nil, err
	}
	if err := s.rotSvc.RecordRotationTimestamp(ctx); err != nil {
		return nil, err
	}
	if err := s.cat.Upsert(storage.ChapterDirName(chapterID), hint(title), len(rawImages), 1); err != nil {
		return nil, err
	}
	slog.Info("chapter ingested", "pages", len(rawImages))
	return &meta, nil
}

func (s *Session) ingestImage(ctx context.Context, chapterID, imageID, ingestSalt string, img []byte, bundle *keys.Bundle) error {
	frags, err := fragment.Split(img)
	if err != nil {
		return err
	}
	manifest := storage.Manifest{
		ImageID:        imageID,
		ChapterID:      chapterID,
		TotalFragments: len(frags),
		TotalSize:      len(img),
	}
	for _, frag := range frags {
		rec, err := fragment.Encrypt(ctx, imageID, frag, bundle.ChapterRoot.Bytes(), bundle.HMAC.Bytes())
		if err != nil {
			return err
		}
		filename, err := s.coord.WriteFragment(ctx, chapterID, frag.Index, ingestSalt+":"+imageID, rec.EncryptedData)
		if err != nil {
			return err
		}
		manifest.Fragments = append(manifest.Fragments, storage.Entry(rec, filename))
	}
	return s.coord.SaveManifest(ctx, manifest, bundle)
}

func hint(title string) string {
	r := []rune(title)
	if len(r) <= titleHintLen {
		return title
	}
	return string(r[:titleHintLen])
}
