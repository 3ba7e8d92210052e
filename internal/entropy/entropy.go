// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

// Package entropy tracks the runtime values folded into ephemeral render
// keys. The memory salt is regenerated on every foreground transition, so
// keys derived before a background/foreground cycle cannot be re-derived
// after it.
package entropy

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/orihimee/lalona-vault/internal/cryptoutil"
	"github.com/orihimee/lalona-vault/internal/memwipe"
)

// MemorySaltSize is the per-foreground salt length in bytes.
const MemorySaltSize = 16

// Bundle is one snapshot of runtime entropy feeding a single derivation.
type Bundle struct {
	BootTimeMS     int64
	FrameCounter   uint32
	ScrollVelocity float64 // px/ms; serialized as round(v*1000)
	ChunkIndex     int64
	MemorySalt     [MemorySaltSize]byte
}

// Serialize encodes the bundle as
// bootTime ∥ frameCounter ∥ round(velocity*1000) ∥ chunkIndex ∥ memorySalt
// with all integers little-endian int64. The caller owns the result and
// must wipe it after use.
func (b Bundle) Serialize() []byte {
	out := make([]byte, 0, 4*8+MemorySaltSize)
	out = binary.LittleEndian.AppendUint64(out, uint64(b.BootTimeMS))
	out = binary.LittleEndian.AppendUint64(out, uint64(b.FrameCounter))
	out = binary.LittleEndian.AppendUint64(out, uint64(int64(math.Round(b.ScrollVelocity*1000))))
	out = binary.LittleEndian.AppendUint64(out, uint64(b.ChunkIndex))
	out = append(out, b.MemorySalt[:]...)
	return out
}

// Runtime owns the mutable entropy state of one session.
type Runtime struct {
	mu           sync.Mutex
	bootTimeMS   int64
	frameCounter uint32
	velocity     float64
	memorySalt   []byte
}

// NewRuntime returns an initialized provider with a fresh memory salt.
func NewRuntime() (*Runtime, error) {
	r := &Runtime{}
	if err := r.Regenerate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Regenerate wipes the previous memory salt, installs a fresh one and
// resets the counters. Called on every transition to the foreground.
func (r *Runtime) Regenerate() error {
	salt, err := cryptoutil.RandomBytes(MemorySaltSize)
	if err != nil {
		return fmt.Errorf("entropy: memory salt: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	memwipe.Wipe(r.memorySalt)
	r.memorySalt = salt
	r.bootTimeMS = time.Now().UnixMilli()
	r.frameCounter = 0
	r.velocity = 0
	return nil
}

// WipeSalt destroys the memory salt. Snapshot fails until Regenerate runs.
func (r *Runtime) WipeSalt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	memwipe.Wipe(r.memorySalt)
	r.memorySalt = nil
	r.velocity = 0
}

// SetScrollVelocity records the UI's current scroll velocity.
func (r *Runtime) SetScrollVelocity(v float64) {
	r.mu.Lock()
	r.velocity = v
	r.mu.Unlock()
}

// Snapshot captures a Bundle for one derivation, advancing the frame
// counter. Fails if the salt has been wiped and not regenerated.
func (r *Runtime) Snapshot(chunkIndex int64) (Bundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.memorySalt == nil {
		return Bundle{}, fmt.Errorf("entropy: memory salt not initialized")
	}
	r.frameCounter++
	b := Bundle{
		BootTimeMS:     r.bootTimeMS,
		FrameCounter:   r.frameCounter,
		ScrollVelocity: r.velocity,
		ChunkIndex:     chunkIndex,
	}
	copy(b.MemorySalt[:], r.memorySalt)
	return b, nil
}
