// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

// Package devicebind folds stable platform identifiers into a device
// fingerprint. The raw identifier string is kept only while a consumer
// needs it; the cache is cleared after each consumption.
package devicebind

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/orihimee/lalona-vault/internal/cryptoutil"
)

// Identifier is one key/value pair of the fingerprint input. Sources omit
// pairs they cannot resolve; missing fields are never substituted with
// defaults.
type Identifier struct {
	Key   string
	Value string
}

// Source supplies platform identifiers in their canonical order:
// installation id, manufacturer, model, device name, OS version, total
// memory, CPU architectures, install time (ms).
type Source interface {
	Identifiers(ctx context.Context) ([]Identifier, error)
}

// Fingerprint is the aggregated device identity.
type Fingerprint struct {
	Raw  string
	Hash string
}

// Binder computes and caches the fingerprint of one Source.
type Binder struct {
	mu     sync.Mutex
	source Source
	cached *Fingerprint
}

// New returns a Binder over src.
func New(src Source) *Binder {
	return &Binder{source: src}
}

// Fingerprint resolves the device fingerprint. The aggregate form is
// k1:v1||k2:v2||… over the identifiers the source could resolve.
func (b *Binder) Fingerprint(ctx context.Context) (Fingerprint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cached != nil {
		return *b.cached, nil
	}
	ids, err := b.source.Identifiers(ctx)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("devicebind: collect identifiers: %w", err)
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if id.Value == "" {
			continue
		}
		parts = append(parts, id.Key+":"+id.Value)
	}
	raw := strings.Join(parts, "||")
	fp := Fingerprint{Raw: raw, Hash: cryptoutil.SHA256Hex([]byte(raw))}
	b.cached = &fp
	return fp, nil
}

// ClearCache drops the cached fingerprint so the raw identifier string
// does not stay reachable between derivations.
func (b *Binder) ClearCache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cached = nil
}

// HostSource resolves identifiers from the local host. It is the default
// Source on desktop-class platforms; mobile embedders provide their own.
type HostSource struct {
	// MachineIDPath overrides the installation-id probe, for tests.
	MachineIDPath string
}

// Identifiers implements Source.
func (h HostSource) Identifiers(ctx context.Context) ([]Identifier, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []Identifier
	if v := h.machineID(); v != "" {
		ids = append(ids, Identifier{Key: "install", Value: v})
	}
	if host, err := os.Hostname(); err == nil {
		ids = append(ids, Identifier{Key: "device", Value: host})
	}
	ids = append(ids,
		Identifier{Key: "os", Value: runtime.GOOS},
		Identifier{Key: "cpu", Value: runtime.GOARCH},
	)
	return ids, nil
}

func (h HostSource) machineID() string {
	path := h.MachineIDPath
	if path == "" {
		path = "/etc/machine-id"
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// StaticSource is a fixed identifier list, used by tests and by embedders
// that gather platform fields themselves.
type StaticSource []Identifier

// Identifiers implements Source.
func (s StaticSource) Identifiers(context.Context) ([]Identifier, error) {
	return s, nil
}
