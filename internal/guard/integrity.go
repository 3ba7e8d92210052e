// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

// Package guard runs the environmental checks gating vault boot and the
// throttled live-instrumentation detector. A positive from either feeds
// the orchestrator's violation handler; nothing in this package is ever
// recovered from.
package guard

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Default probe sets. Embedders on other platforms override via Config.
var (
	defaultSuperuserPaths = []string{
		"/system/bin/su",
		"/system/xbin/su",
		"/sbin/su",
		"/system/app/Superuser.apk",
		"/data/local/xbin/su",
	}
	defaultEmulatorPaths = []string{
		"/dev/qemu_pipe",
		"/dev/socket/qemud",
		"/system/lib/libc_malloc_debug_qemu.so",
		"/sys/qemu_trace",
	}
)

// Config tunes the boot check.
type Config struct {
	SuperuserPaths []string
	EmulatorPaths  []string
	// SystemDir is probed for write access; writability implies root.
	SystemDir string
	// DebugThreshold flags a debugger when the micro-benchmark exceeds it.
	DebugThreshold time.Duration
	// ExpectedSignature is the build-embedded signing fingerprint; empty,
	// or a nil SignatureProvider, leaves the signature check as a passing
	// placeholder.
	ExpectedSignature string
	// SignatureProvider reports the platform signing fingerprint.
	SignatureProvider func() string
}

func (c *Config) withDefaults() Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.SuperuserPaths == nil {
		out.SuperuserPaths = defaultSuperuserPaths
	}
	if out.EmulatorPaths == nil {
		out.EmulatorPaths = defaultEmulatorPaths
	}
	if out.SystemDir == "" {
		out.SystemDir = "/system"
	}
	if out.DebugThreshold == 0 {
		out.DebugThreshold = 300 * time.Millisecond
	}
	return out
}

// Result is the outcome of one boot check.
type Result struct {
	Rooted       bool
	Emulator     bool
	Debugger     bool
	BadSignature bool
}

// Violated returns the first positive as a short reason, or "".
func (r Result) Violated() string {
	switch {
	case r.Rooted:
		return "rooted"
	case r.Emulator:
		return "emulator"
	case r.Debugger:
		return "debugger"
	case r.BadSignature:
		return "signature"
	default:
		return ""
	}
}

// BootCheck runs the four environmental probes in parallel.
func BootCheck(ctx context.Context, cfg *Config) Result {
	c := cfg.withDefaults()
	var res Result
	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); res.Rooted = checkRoot(c) }()
	go func() { defer wg.Done(); res.Emulator = anyExists(c.EmulatorPaths) }()
	go func() { defer wg.Done(); res.Debugger = checkDebugger(ctx, c.DebugThreshold) }()
	go func() { defer wg.Done(); res.BadSignature = checkSignature(c) }()
	wg.Wait()
	if reason := res.Violated(); reason != "" {
		slog.Error("boot integrity check failed", "reason", reason)
	}
	return res
}

func checkRoot(c Config) bool {
	if anyExists(c.SuperuserPaths) {
		return true
	}
	// A writable system directory means the partition protections are gone.
	probe := filepath.Join(c.SystemDir, ".lsw")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

func anyExists(paths []string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// checkDebugger times a fixed CPU micro-benchmark. Single-stepping or
// breakpoint-heavy instrumentation inflates the wall time far past the
// threshold on any real device.
func checkDebugger(ctx context.Context, threshold time.Duration) bool {
	if err := ctx.Err(); err != nil {
		return false
	}
	elapsed := benchOnce()
	return elapsed > threshold
}

func benchOnce() time.Duration {
	start := time.Now()
	var acc uint64
	for i := uint64(0); i < 2_000_000; i++ {
		acc = acc*2862933555777941757 + 3037000493
	}
	benchSink(acc)
	return time.Since(start)
}

func checkSignature(c Config) bool {
	if c.ExpectedSignature == "" || c.SignatureProvider == nil {
		// Placeholder until a production signing hash is embedded.
		return false
	}
	return c.SignatureProvider() != c.ExpectedSignature
}
