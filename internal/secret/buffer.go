// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

// Package secret provides an owned byte buffer for key material. A Buffer
// has a single owner; its release path unconditionally overwrites the
// contents before the memory becomes unreachable.
package secret

import (
	"sync/atomic"

	"github.com/orihimee/lalona-vault/internal/memwipe"
)

// Buffer owns a fixed-length byte array holding sensitive material.
type Buffer struct {
	data     []byte
	released atomic.Bool
}

// New returns a zeroed Buffer of length n.
func New(n int) *Buffer {
	return &Buffer{data: make([]byte, n)}
}

// Take wraps b in a Buffer, taking ownership. The caller must not retain
// or reuse b afterwards.
func Take(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Copy returns a Buffer holding an owned copy of b. The caller remains
// responsible for wiping b.
func Copy(b []byte) *Buffer {
	d := make([]byte, len(b))
	copy(d, b)
	return &Buffer{data: d}
}

// Bytes exposes the underlying storage. The slice aliases the Buffer's
// memory and must not outlive it.
func (s *Buffer) Bytes() []byte {
	if s == nil || s.released.Load() {
		return nil
	}
	return s.data
}

// Len reports the buffer length, zero once released.
func (s *Buffer) Len() int {
	return len(s.Bytes())
}

// Clone returns an independently owned copy.
func (s *Buffer) Clone() *Buffer {
	return Copy(s.Bytes())
}

// Release wipes the contents and marks the buffer unusable. Safe to call
// more than once.
func (s *Buffer) Release() {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	memwipe.Wipe(s.data)
	s.data = nil
}
