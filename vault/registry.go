// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package vault

import (
	"sync"
	"time"

	"github.com/orihimee/lalona-vault/internal/memwipe"
	"github.com/orihimee/lalona-vault/internal/secret"
)

// MaxDecryptedFragments caps how many decrypted-then-mutated render
// buffers one session's registry holds at once. Each Session has its own
// registry; the cap is not shared between sessions.
const MaxDecryptedFragments = 2

// wipeDeadline is the last-resort bound on a live buffer's lifetime.
const wipeDeadline = 5 * time.Second

type liveBuffer struct {
	page       int
	data       []byte
	key        *secret.Buffer
	cancelWipe func()
}

func (b *liveBuffer) release() {
	if b.cancelWipe != nil {
		b.cancelWipe()
	}
	memwipe.Wipe(b.data)
	b.key.Release()
}

// registry tracks live render buffers, insertion-ordered, capacity
// exactly MaxDecryptedFragments. Insertion beyond capacity evicts the
// oldest entry via wipe-and-release.
type registry struct {
	mu      sync.Mutex
	entries []*liveBuffer
}

func newRegistry() *registry {
	return &registry{}
}

// put registers a mutated buffer with its one-render key. The buffer is
// wiped in place on eviction, release, or the deferred deadline.
func (r *registry) put(page int, data []byte, key *secret.Buffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-loading a page replaces its previous buffer.
	r.removeLocked(page)
	for len(r.entries) >= MaxDecryptedFragments {
		oldest := r.entries[0]
		r.entries = r.entries[1:]
		oldest.release()
	}
	buf := &liveBuffer{page: page, data: data, key: key}
	buf.cancelWipe = memwipe.Deferred(data, wipeDeadline)
	r.entries = append(r.entries, buf)
}

// get returns the live buffer for page, or nil.
func (r *registry) get(page int) *liveBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.page == page {
			return e
		}
	}
	return nil
}

// release wipes and drops one page's buffer.
func (r *registry) release(page int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(page)
}

func (r *registry) removeLocked(page int) {
	for i, e := range r.entries {
		if e.page == page {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			e.release()
			return
		}
	}
}

// releaseAll wipes and drops every buffer.
func (r *registry) releaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.release()
	}
	r.entries = nil
}

// size reports the current live-buffer count.
func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
