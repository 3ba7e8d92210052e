// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

// Package keystore abstracts the platform credential facility holding the
// vault's small secrets: the device salt, the user id and the rotation
// timestamp. No platform access class is set by this package: entries get
// whatever protection the selected backend gives (the OS keyring's default,
// 0600 files for FileStore, process memory for Memory). Exclusion from
// platform backups and device-only binding are not enforced here.
package keystore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/orihimee/lalona-vault/internal/cryptoutil"
)

// Credential store entry names. The version suffix allows a future format
// migration without colliding with existing entries.
const (
	DeviceSaltKey = "ls_dsalt_v1"
	UserIDKey     = "ls_uid_v1"
	RotationKey   = "ls_rts_v1"
)

// ErrNotFound is returned when an entry is absent.
var ErrNotFound = errors.New("keystore: entry not found")

// Store is a minimal credential keyring.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Keyring stores entries in the OS credential manager via zalando/go-keyring.
// Values are Base64-wrapped because some backends reject binary secrets.
type Keyring struct {
	// Service namespaces the vault's entries in the OS store.
	Service string
}

// Get implements Store.
func (k Keyring) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := keyring.Get(k.service(), key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: keyring get: %w", err)
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode entry: %w", err)
	}
	return b, nil
}

// Set implements Store.
func (k Keyring) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := keyring.Set(k.service(), key, base64.StdEncoding.EncodeToString(value)); err != nil {
		return fmt.Errorf("keystore: keyring set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (k Keyring) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := keyring.Delete(k.service(), key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("keystore: keyring delete: %w", err)
	}
	return nil
}

func (k Keyring) service() string {
	if k.Service == "" {
		return "lalona-vault"
	}
	return k.Service
}

// FileStore keeps entries as 0600 files with hashed names under a
// directory. It is the fallback when no OS keyring is reachable
// (headless devices, CI); the directory should live inside the app's
// private storage.
type FileStore struct {
	Dir string
}

// Get implements Store.
func (f FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: read entry: %w", err)
	}
	return b, nil
}

// Set implements Store.
func (f FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return fmt.Errorf("keystore: create dir: %w", err)
	}
	if err := os.WriteFile(f.path(key), value, 0o600); err != nil {
		return fmt.Errorf("keystore: write entry: %w", err)
	}
	return nil
}

// Delete implements Store.
func (f FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("keystore: delete entry: %w", err)
	}
	return nil
}

func (f FileStore) path(key string) string {
	return filepath.Join(f.Dir, cryptoutil.SHA256Hex([]byte("ks:"+key)))
}

// Memory is an in-process Store for tests.
type Memory struct {
	mu sync.Mutex
	m  map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{m: make(map[string][]byte)}
}

// Get implements Store.
func (s *Memory) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set implements Store.
func (s *Memory) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.m[key] = v
	return nil
}

// Delete implements Store.
func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}
