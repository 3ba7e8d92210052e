// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

// Package keys implements the vault's layered key hierarchy: the
// device-bound root secret, per-chapter key bundles, per-render ephemeral
// keys and the wrapped-key rotation envelope.
package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/orihimee/lalona-vault/internal/cryptoutil"
	"github.com/orihimee/lalona-vault/internal/devicebind"
	"github.com/orihimee/lalona-vault/internal/faults"
	"github.com/orihimee/lalona-vault/internal/keystore"
	"github.com/orihimee/lalona-vault/internal/memwipe"
	"github.com/orihimee/lalona-vault/internal/secret"
)

const (
	// PBKDF2Iterations is the fixed iteration count for root derivation.
	PBKDF2Iterations = 310_000
	// RootSecretSize is the derived root secret length in bytes.
	RootSecretSize = 64
	// DeviceSaltSize is the persisted device salt length in bytes.
	DeviceSaltSize = 32
)

// RootService derives the root secret from the device fingerprint, the
// user id and the persisted device salt. The root secret is never stored;
// it exists only inside the scope of one derivation caller.
type RootService struct {
	store  keystore.Store
	binder *devicebind.Binder
	iters  int
}

// NewRootService wires a RootService over the credential store and the
// device binder.
func NewRootService(store keystore.Store, binder *devicebind.Binder) *RootService {
	return &RootService{store: store, binder: binder, iters: PBKDF2Iterations}
}

// WithIterations overrides the PBKDF2 iteration count. Lowering it is only
// appropriate off-device (tests, tooling); returns the receiver.
func (s *RootService) WithIterations(n int) *RootService {
	if n > 0 {
		s.iters = n
	}
	return s
}

// InitDeviceSalt generates and persists the device salt on first launch
// and records the user id. Idempotent: an existing salt is left untouched.
func (s *RootService) InitDeviceSalt(ctx context.Context, userID string) error {
	if userID == "" {
		return faults.ErrUserIDMissing
	}
	_, err := s.store.Get(ctx, keystore.DeviceSaltKey)
	switch {
	case err == nil:
		// Already provisioned.
	case errors.Is(err, keystore.ErrNotFound):
		salt, rerr := cryptoutil.RandomBytes(DeviceSaltSize)
		if rerr != nil {
			return fmt.Errorf("keys: generate device salt: %w", rerr)
		}
		defer memwipe.Wipe(salt)
		if serr := s.store.Set(ctx, keystore.DeviceSaltKey, salt); serr != nil {
			return fmt.Errorf("keys: persist device salt: %w", serr)
		}
		slog.Info("device salt provisioned")
	default:
		return fmt.Errorf("keys: read device salt: %w", err)
	}
	if err := s.store.Set(ctx, keystore.UserIDKey, []byte(userID)); err != nil {
		return fmt.Errorf("keys: persist user id: %w", err)
	}
	return nil
}

// DeriveRootSecret computes the 64-byte root secret with PBKDF2-SHA512
// over sha256_hex(fingerprint) ∥ userID salted by the device salt. When
// userID is empty the stored user id is used. The returned buffer is owned
// by the caller and must be released after use.
func (s *RootService) DeriveRootSecret(ctx context.Context, userID string) (*secret.Buffer, error) {
	salt, err := s.store.Get(ctx, keystore.DeviceSaltKey)
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, faults.ErrSaltMissing
	}
	if err != nil {
		return nil, fmt.Errorf("keys: read device salt: %w", err)
	}
	defer memwipe.Wipe(salt)

	if userID == "" {
		stored, err := s.store.Get(ctx, keystore.UserIDKey)
		if errors.Is(err, keystore.ErrNotFound) || (err == nil && len(stored) == 0) {
			return nil, faults.ErrUserIDMissing
		}
		if err != nil {
			return nil, fmt.Errorf("keys: read user id: %w", err)
		}
		userID = string(stored)
		memwipe.Wipe(stored)
	}

	fp, err := s.binder.Fingerprint(ctx)
	if err != nil {
		return nil, err
	}
	defer s.binder.ClearCache()

	password := make([]byte, 0, len(fp.Hash)+len(userID))
	password = append(password, fp.Hash...)
	password = append(password, userID...)
	defer memwipe.Wipe(password)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return secret.Take(cryptoutil.PBKDF2SHA512(password, salt, s.iters, RootSecretSize)), nil
}

// DestroyDeviceSalt is the kill switch: it removes the salt, the user id
// and the rotation timestamp. All three deletions are attempted regardless
// of individual failures; afterwards no previously stored content can ever
// be decrypted again.
func (s *RootService) DestroyDeviceSalt(ctx context.Context) error {
	var errs []error
	for _, key := range []string{keystore.DeviceSaltKey, keystore.UserIDKey, keystore.RotationKey} {
		if err := s.store.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("keys: destroy device salt: %w", errors.Join(errs...))
	}
	slog.Info("device salt destroyed")
	return nil
}
