// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package guard

import (
	"bytes"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// benchSinkVal keeps micro-benchmark results observable.
var benchSinkVal atomic.Uint64

func benchSink(v uint64) { benchSinkVal.Add(v) }

// Names of runtime-injection frameworks looked for in the process map.
var injectionMarkers = []string{
	"frida",
	"gadget",
	"xposed",
	"substrate",
	"libriru",
}

// Environment variables whose presence indicates a preloaded interposer.
var preloadVars = []string{"LD_PRELOAD", "DYLD_INSERT_LIBRARIES"}

// Detector is the throttled live-instrumentation check. At most one full
// probe runs per period; calls inside the window return the cached verdict.
type Detector struct {
	limiter *rate.Limiter
	// MapsPath overrides the process-map location, for tests.
	MapsPath string

	tripped atomic.Bool

	// MeanFloor gates the timing check: variance only counts when the
	// micro-loop mean is above this floor.
	MeanFloor time.Duration
}

// DetectorPeriod is the minimum spacing between full probes.
const DetectorPeriod = 8 * time.Second

// NewDetector returns a Detector throttled to one probe per 8 s.
func NewDetector() *Detector {
	return &Detector{
		limiter:   rate.NewLimiter(rate.Every(DetectorPeriod), 1),
		MeanFloor: 2 * time.Millisecond,
	}
}

// Check runs a probe if the throttle allows it and reports whether the
// process looks instrumented. A past positive is sticky.
func (d *Detector) Check() bool {
	if d.tripped.Load() {
		return true
	}
	if !d.limiter.Allow() {
		return false
	}
	if d.probe() {
		d.tripped.Store(true)
		return true
	}
	return false
}

func (d *Detector) probe() bool {
	if d.preloadCheck() || d.mapsCheck() || d.timingCheck() {
		return true
	}
	return false
}

// preloadCheck looks for interposition environment variables — the moral
// equivalent of well-known injection identifiers in a global namespace.
func (d *Detector) preloadCheck() bool {
	for _, v := range preloadVars {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}

// mapsCheck scans the loaded-module list for known instrumentation
// frameworks; a tampered runtime shows up as a foreign mapping the same
// way a tampered prototype shows up in a managed runtime.
func (d *Detector) mapsCheck() bool {
	path := d.MapsPath
	if path == "" {
		path = "/proc/self/maps"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	lower := bytes.ToLower(data)
	for _, marker := range injectionMarkers {
		if bytes.Contains(lower, []byte(marker)) {
			return true
		}
	}
	return false
}

// timingCheck samples a fixed micro-loop and flags high-variance, slow
// execution: single-stepping and hook trampolines disturb both moments.
func (d *Detector) timingCheck() bool {
	const samples = 8
	var durs [samples]time.Duration
	for i := range durs {
		durs[i] = microLoop()
	}
	var sum time.Duration
	for _, t := range durs {
		sum += t
	}
	mean := sum / samples

	meanFloor := d.MeanFloor
	if meanFloor == 0 {
		meanFloor = 2 * time.Millisecond
	}
	if mean <= meanFloor {
		return false
	}

	// Sample variance in ms².
	meanMS := float64(mean) / float64(time.Millisecond)
	var varMS float64
	for _, t := range durs {
		dev := float64(t)/float64(time.Millisecond) - meanMS
		varMS += dev * dev
	}
	varMS /= samples
	return varMS > 5.0
}

func microLoop() time.Duration {
	start := time.Now()
	var acc uint64
	for i := uint64(0); i < 50_000; i++ {
		acc = acc*6364136223846793005 + 1442695040888963407
	}
	benchSink(acc)
	return time.Since(start)
}
