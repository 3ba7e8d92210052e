// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/orihimee/lalona-vault/internal/catalog"
	"github.com/orihimee/lalona-vault/internal/faults"
	"github.com/orihimee/lalona-vault/internal/keys"
	"github.com/orihimee/lalona-vault/internal/storage"
)

// GetChapterMetadata decrypts and returns a chapter's record, or nil when
// the chapter does not exist.
func (s *Session) GetChapterMetadata(ctx context.Context, chapterID string) (*storage.ChapterMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireBootstrap(); err != nil {
		return nil, err
	}
	return s.GetChapterMetadataLocked(ctx, chapterID)
}

// RotateKeyIfDue rewraps a chapter's key envelope at the next version when
// the rotation period has elapsed. Fragment files are untouched; reads and
// rotation are mutually exclusive under the session lock. An unwrap
// failure is reported, not escalated.
func (s *Session) RotateKeyIfDue(ctx context.Context, chapterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireBootstrap(); err != nil {
		return err
	}
	due, err := s.rotSvc.IsRotationDue(ctx)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}
	return s.rotateLocked(ctx, chapterID)
}

// RotateKey forces a rewrap regardless of schedule.
func (s *Session) RotateKey(ctx context.Context, chapterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireBootstrap(); err != nil {
		return err
	}
	return s.rotateLocked(ctx, chapterID)
}

func (s *Session) rotateLocked(ctx context.Context, chapterID string) error {
	wrapped, err := s.coord.LoadWrappedKey(ctx, chapterID)
	if errIsNotFound(err) {
		return fmt.Errorf("vault: chapter has no key envelope: %w", err)
	}
	if err != nil {
		return err
	}
	root, err := s.rootSvc.DeriveRootSecret(ctx, s.userID)
	if err != nil {
		return err
	}
	defer root.Release()

	next, err := s.rotSvc.Rotate(ctx, wrapped, root.Bytes(), chapterID)
	if errors.Is(err, faults.ErrUnwrap) {
		slog.Error("rotation skipped: envelope did not unwrap", "version", wrapped.Version)
		return err
	}
	if err != nil {
		return err
	}
	if err := s.coord.SaveWrappedKey(ctx, chapterID, next); err != nil {
		return err
	}
	if err := s.rotSvc.RecordRotationTimestamp(ctx); err != nil {
		return err
	}
	if err := s.cat.SetKeyVersion(storage.ChapterDirName(chapterID), next.Version); err != nil {
		return err
	}
	slog.Info("chapter key rotated", "version", next.Version)
	return nil
}

// ListChapters returns the non-secret catalog rows.
func (s *Session) ListChapters() ([]catalog.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireBootstrap(); err != nil {
		return nil, err
	}
	return s.cat.List()
}

// DeleteChapter removes a chapter's fragments, metadata and catalog row.
// Live buffers for the open chapter are wiped first if it is the one
// being deleted.
func (s *Session) DeleteChapter(ctx context.Context, chapterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireBootstrap(); err != nil {
		return err
	}
	if s.chapterID == chapterID {
		s.registry.releaseAll()
		s.bundle.Wipe()
		s.bundle, s.chapterID = nil, ""
	}

	var imageIDs []string
	if meta, err := s.GetChapterMetadataLocked(ctx, chapterID); err == nil && meta != nil {
		imageIDs = meta.ImageIDs
	}
	if err := s.coord.RemoveChapter(ctx, chapterID, imageIDs); err != nil {
		return err
	}
	return s.cat.Delete(storage.ChapterDirName(chapterID))
}

// GetChapterMetadataLocked is the lock-held variant used internally.
func (s *Session) GetChapterMetadataLocked(ctx context.Context, chapterID string) (*storage.ChapterMetadata, error) {
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
	meta, err := s.coord.LoadChapterMetadata(ctx, chapterID, bundle)
	if errIsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// DestroyVault triggers the kill switch: the device salt, user id and
// rotation timestamp are deleted. Stored ciphertext remains on disk but is
// permanently undecryptable.
func (s *Session) DestroyVault(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.releaseAll()
	s.bundle.Wipe()
	s.bundle, s.chapterID = nil, ""
	return s.rootSvc.DestroyDeviceSalt(ctx)
}
