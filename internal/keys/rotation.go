// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package keys

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/orihimee/lalona-vault/internal/cryptoutil"
	"github.com/orihimee/lalona-vault/internal/faults"
	"github.com/orihimee/lalona-vault/internal/keystore"
	"github.com/orihimee/lalona-vault/internal/memwipe"
	"github.com/orihimee/lalona-vault/internal/secret"
)

const infoChapterKeyWrap = "chapter-key-wrap"

// RotationPeriod is how long a wrapping version stays current.
const RotationPeriod = 7 * 24 * time.Hour

// Wrapped is the versioned envelope around a chapter root key. Fragment
// files are never rewritten by rotation; only this envelope changes.
type Wrapped struct {
	WrappedB64        string `json:"wrapped"`
	RotationTimestamp int64  `json:"rotated_at"`
	Version           uint32 `json:"version"`
}

// RotationService manages wrapped chapter keys and the global rotation
// timestamp in the credential store.
type RotationService struct {
	store keystore.Store
	now   func() time.Time
}

// NewRotationService wires a RotationService over the credential store.
func NewRotationService(store keystore.Store) *RotationService {
	return &RotationService{store: store, now: time.Now}
}

// IsRotationDue reports whether the recorded rotation timestamp is missing
// or at least RotationPeriod old.
func (s *RotationService) IsRotationDue(ctx context.Context) (bool, error) {
	raw, err := s.store.Get(ctx, keystore.RotationKey)
	if errors.Is(err, keystore.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("keys: read rotation timestamp: %w", err)
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return true, nil
	}
	return s.now().Sub(time.UnixMilli(ms)) >= RotationPeriod, nil
}

// RecordRotationTimestamp persists the current time as the last rotation.
func (s *RotationService) RecordRotationTimestamp(ctx context.Context) error {
	ms := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.store.Set(ctx, keystore.RotationKey, []byte(ms)); err != nil {
		return fmt.Errorf("keys: record rotation timestamp: %w", err)
	}
	return nil
}

// wrappingKey derives the version-bound wrapping key:
// HKDF(root, salt = "wrap:"+chapterID+":"+version, info = "chapter-key-wrap").
func wrappingKey(root []byte, chapterID string, version uint32) ([]byte, error) {
	salt := []byte("wrap:" + chapterID + ":" + strconv.FormatUint(uint64(version), 10))
	return cryptoutil.HKDFSHA256(root, salt, []byte(infoChapterKeyWrap), cryptoutil.KeySize)
}

// Wrap seals chapterRoot under the version-bound wrapping key.
func (s *RotationService) Wrap(chapterRoot, root []byte, chapterID string, version uint32) (Wrapped, error) {
	if version == 0 {
		version = 1
	}
	wk, err := wrappingKey(root, chapterID, version)
	if err != nil {
		return Wrapped{}, fmt.Errorf("keys: wrapping key: %w", err)
	}
	defer memwipe.Wipe(wk)
	blob, err := cryptoutil.EncryptGCM(wk, chapterRoot, nil)
	if err != nil {
		return Wrapped{}, fmt.Errorf("keys: wrap chapter key: %w", err)
	}
	return Wrapped{
		WrappedB64:        base64.StdEncoding.EncodeToString(blob),
		RotationTimestamp: s.now().UnixMilli(),
		Version:           version,
	}, nil
}

// Unwrap opens a wrapped chapter key using the envelope's own version.
// A tag mismatch surfaces as faults.ErrUnwrap: corruption or version skew,
// reported without touching any fragment.
func (s *RotationService) Unwrap(w Wrapped, root []byte, chapterID string) (*secret.Buffer, error) {
	blob, err := base64.StdEncoding.DecodeString(w.WrappedB64)
	if err != nil {
		return nil, faults.ErrUnwrap
	}
	wk, derr := wrappingKey(root, chapterID, w.Version)
	if derr != nil {
		return nil, fmt.Errorf("keys: wrapping key: %w", derr)
	}
	defer memwipe.Wipe(wk)
	key, err := cryptoutil.DecryptGCM(wk, blob, nil)
	if err != nil {
		return nil, faults.ErrUnwrap
	}
	return secret.Take(key), nil
}

// Rotate unwraps the envelope and rewraps the same chapter root at
// version+1, wiping the intermediate key. Stored fragments are untouched.
func (s *RotationService) Rotate(ctx context.Context, w Wrapped, root []byte, chapterID string) (Wrapped, error) {
	if err := ctx.Err(); err != nil {
		return Wrapped{}, err
	}
	chapterRoot, err := s.Unwrap(w, root, chapterID)
	if err != nil {
		return Wrapped{}, err
	}
	defer chapterRoot.Release()
	next, err := s.Wrap(chapterRoot.Bytes(), root, chapterID, w.Version+1)
	if err != nil {
		return Wrapped{}, err
	}
	slog.Debug("chapter key rotated", "version", next.Version)
	return next, nil
}
