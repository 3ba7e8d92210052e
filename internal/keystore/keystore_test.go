// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package keystore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// storeUnderTest exercises the Store contract shared by every backend.
func storeUnderTest(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, DeviceSaltKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store get: got %v, want ErrNotFound", err)
	}
	value := []byte{0x00, 0x01, 0xFE, 0xFF}
	if err := s.Set(ctx, DeviceSaltKey, value); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, DeviceSaltKey)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("got %x, want %x", got, value)
	}
	if err := s.Delete(ctx, DeviceSaltKey); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, DeviceSaltKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("post-delete get: got %v, want ErrNotFound", err)
	}
	// Deleting a missing entry is not an error.
	if err := s.Delete(ctx, DeviceSaltKey); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	storeUnderTest(t, FileStore{Dir: t.TempDir()})
}

func TestFileStoreNamesAreHashed(t *testing.T) {
	dir := t.TempDir()
	s := FileStore{Dir: dir}
	if err := s.Set(context.Background(), DeviceSaltKey, []byte("v")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("%d entries, want 1", len(entries))
	}
	if entries[0].Name() == DeviceSaltKey {
		t.Error("entry stored under its cleartext key name")
	}
	info, err := entries[0].Info()
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("entry permissions %o, want 600", perm)
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	v := []byte("mutable")
	if err := s.Set(ctx, UserIDKey, v); err != nil {
		t.Fatal(err)
	}
	v[0] = 'X'
	got, err := s.Get(ctx, UserIDKey)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] == 'X' {
		t.Error("store aliases caller memory")
	}
}

func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := FileStore{Dir: filepath.Join(t.TempDir(), "ks")}
	if err := s.Set(ctx, DeviceSaltKey, []byte("v")); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
