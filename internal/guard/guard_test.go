// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package guard

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func cleanConfig(t *testing.T) *Config {
	t.Helper()
	missing := filepath.Join(t.TempDir(), "missing")
	return &Config{
		SuperuserPaths: []string{filepath.Join(missing, "su")},
		EmulatorPaths:  []string{filepath.Join(missing, "qemu_pipe")},
		SystemDir:      missing, // nonexistent: the write probe cannot succeed
		DebugThreshold: time.Minute,
	}
}

func TestBootCheckCleanEnvironment(t *testing.T) {
	res := BootCheck(context.Background(), cleanConfig(t))
	if reason := res.Violated(); reason != "" {
		t.Errorf("clean environment flagged: %s", reason)
	}
}

func TestBootCheckDetectsSuperuserBinary(t *testing.T) {
	dir := t.TempDir()
	su := filepath.Join(dir, "su")
	if err := os.WriteFile(su, []byte("#!/bin/sh\n"), 0o700); err != nil {
		t.Fatal(err)
	}
	cfg := cleanConfig(t)
	cfg.SuperuserPaths = []string{su}
	res := BootCheck(context.Background(), cfg)
	if !res.Rooted {
		t.Error("superuser binary not detected")
	}
	if res.Violated() != "rooted" {
		t.Errorf("reason %q, want rooted", res.Violated())
	}
}

func TestBootCheckDetectsWritableSystemDir(t *testing.T) {
	cfg := cleanConfig(t)
	cfg.SystemDir = t.TempDir() // writable stand-in for a system partition
	res := BootCheck(context.Background(), cfg)
	if !res.Rooted {
		t.Error("writable system directory not detected")
	}
	// The probe must not leave droppings behind.
	entries, err := os.ReadDir(cfg.SystemDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("probe left %d files behind", len(entries))
	}
}

func TestBootCheckDetectsEmulatorArtefact(t *testing.T) {
	dir := t.TempDir()
	artefact := filepath.Join(dir, "qemu_pipe")
	if err := os.WriteFile(artefact, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := cleanConfig(t)
	cfg.EmulatorPaths = []string{artefact}
	res := BootCheck(context.Background(), cfg)
	if !res.Emulator {
		t.Error("emulator artefact not detected")
	}
}

func TestBootCheckSignatureMismatch(t *testing.T) {
	cfg := cleanConfig(t)
	cfg.ExpectedSignature = "aaaa"
	cfg.SignatureProvider = func() string { return "bbbb" }
	res := BootCheck(context.Background(), cfg)
	if !res.BadSignature {
		t.Error("signature mismatch not detected")
	}

	cfg.SignatureProvider = func() string { return "aaaa" }
	res = BootCheck(context.Background(), cfg)
	if res.BadSignature {
		t.Error("matching signature flagged")
	}
}

func TestBootCheckSignaturePlaceholder(t *testing.T) {
	cfg := cleanConfig(t)
	cfg.ExpectedSignature = ""
	res := BootCheck(context.Background(), cfg)
	if res.BadSignature {
		t.Error("placeholder signature check flagged")
	}
}

func TestDetectorThrottle(t *testing.T) {
	d := NewDetector()
	d.MapsPath = filepath.Join(t.TempDir(), "none") // skip the real map scan
	t.Setenv("LD_PRELOAD", "")
	t.Setenv("DYLD_INSERT_LIBRARIES", "")

	// First call consumes the single token; immediate follow-ups are
	// throttled and must answer from the cached verdict.
	_ = d.Check()
	start := time.Now()
	for i := 0; i < 100; i++ {
		d.Check()
	}
	if elapsed := time.Since(start); elapsed > DetectorPeriod {
		t.Errorf("throttled checks took %v", elapsed)
	}
}

func TestDetectorFlagsPreload(t *testing.T) {
	d := NewDetector()
	t.Setenv("LD_PRELOAD", "/tmp/libhook.so")
	if !d.Check() {
		t.Error("LD_PRELOAD not detected")
	}
	// Positive verdicts are sticky even while throttled.
	if !d.Check() {
		t.Error("verdict not sticky")
	}
}

func TestDetectorFlagsInjectionMapping(t *testing.T) {
	t.Setenv("LD_PRELOAD", "")
	t.Setenv("DYLD_INSERT_LIBRARIES", "")
	maps := filepath.Join(t.TempDir(), "maps")
	content := "7f0000000000-7f0000001000 r-xp 00000000 00:00 0 /data/local/tmp/frida-agent-64.so\n"
	if err := os.WriteFile(maps, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	d := NewDetector()
	d.MapsPath = maps
	if !d.Check() {
		t.Error("injection mapping not detected")
	}
}
