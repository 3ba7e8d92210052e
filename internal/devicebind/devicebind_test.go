// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package devicebind

import (
	"context"
	"strings"
	"testing"
)

func TestFingerprintForm(t *testing.T) {
	src := StaticSource{
		{Key: "install", Value: "abc-123"},
		{Key: "model", Value: "Pixel"},
		{Key: "os", Value: "14"},
	}
	fp, err := New(src).Fingerprint(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fp.Raw != "install:abc-123||model:Pixel||os:14" {
		t.Errorf("raw form %q", fp.Raw)
	}
	if len(fp.Hash) != 64 {
		t.Errorf("hash %q is not sha256 hex", fp.Hash)
	}
}

func TestFingerprintOmitsMissingFields(t *testing.T) {
	src := StaticSource{
		{Key: "install", Value: "abc"},
		{Key: "model", Value: ""}, // unresolved: omitted, never defaulted
		{Key: "os", Value: "14"},
	}
	fp, err := New(src).Fingerprint(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(fp.Raw, "model") {
		t.Errorf("missing field substituted: %q", fp.Raw)
	}
}

func TestFingerprintIsStable(t *testing.T) {
	src := StaticSource{{Key: "install", Value: "abc"}}
	b := New(src)
	a, err := b.Fingerprint(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b.ClearCache()
	second, err := b.Fingerprint(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash != second.Hash {
		t.Error("fingerprint unstable across cache clears")
	}
}

func TestHostSourceProducesIdentifiers(t *testing.T) {
	ids, err := HostSource{}.Identifiers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) == 0 {
		t.Fatal("host source resolved nothing")
	}
	keys := map[string]bool{}
	for _, id := range ids {
		keys[id.Key] = true
	}
	if !keys["os"] || !keys["cpu"] {
		t.Errorf("expected os and cpu identifiers, got %v", keys)
	}
}
