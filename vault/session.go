// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

// Package vault is the core API consumed by a UI layer: an encrypted,
// device-bound store for paginated image content. A Session owns the key
// services, the storage coordinator, the live-buffer registry and the
// security orchestrator; every state-changing operation is serialized
// through the session.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orihimee/lalona-vault/internal/catalog"
	"github.com/orihimee/lalona-vault/internal/devicebind"
	"github.com/orihimee/lalona-vault/internal/entropy"
	"github.com/orihimee/lalona-vault/internal/faults"
	"github.com/orihimee/lalona-vault/internal/guard"
	"github.com/orihimee/lalona-vault/internal/keys"
	"github.com/orihimee/lalona-vault/internal/keystore"
	"github.com/orihimee/lalona-vault/internal/storage"
	"github.com/orihimee/lalona-vault/internal/vdec"
)

// Config assembles a Session's collaborators. Zero-value fields get
// production defaults.
type Config struct {
	// BaseDir is the documents base the vault roots live under.
	BaseDir string
	// Keystore is the credential facility; defaults to the OS keyring.
	Keystore keystore.Store
	// DeviceSource supplies fingerprint identifiers; defaults to the host.
	DeviceSource devicebind.Source
	// Guard tunes the boot integrity check.
	Guard *guard.Config
	// DisableGuard skips the environmental checks. Development only.
	DisableGuard bool
	// Prefetch loads page+1 in the background after a successful load.
	Prefetch bool
	// KDFIterations overrides the root derivation cost. Tests only.
	KDFIterations int
	// Terminate aborts the process on a security violation. Defaults to
	// printing the violation identifier and exiting.
	Terminate func(id string)
}

// Session is one reading session over the vault.
type Session struct {
	cfg Config

	store    keystore.Store
	binder   *devicebind.Binder
	rootSvc  *keys.RootService
	rotSvc   *keys.RotationService
	coord    *storage.Coordinator
	cat      *catalog.Catalog
	runtime  *entropy.Runtime
	detector *guard.Detector
	exec     *vdec.Executor
	registry *registry

	mu           sync.Mutex
	bootstrapped bool
	userID       string

	// Active chapter state, guarded by mu.
	chapterID string
	bundle    *keys.Bundle

	violated     atomic.Bool
	violationID  atomic.Value // string
	bgCallbacks  []func()
	bgCallbackMu sync.Mutex
}

// New assembles a Session from cfg. Bootstrap must run before any other
// operation.
func New(cfg Config) *Session {
	if cfg.Keystore == nil {
		cfg.Keystore = keystore.Keyring{}
	}
	if cfg.DeviceSource == nil {
		cfg.DeviceSource = devicebind.HostSource{}
	}
	if cfg.Terminate == nil {
		cfg.Terminate = func(id string) {
			fmt.Fprintln(os.Stderr, id)
			os.Exit(113)
		}
	}
	binder := devicebind.New(cfg.DeviceSource)
	return &Session{
		cfg:      cfg,
		store:    cfg.Keystore,
		binder:   binder,
		rootSvc:  keys.NewRootService(cfg.Keystore, binder).WithIterations(cfg.KDFIterations),
		rotSvc:   keys.NewRotationService(cfg.Keystore),
		coord:    storage.New(cfg.BaseDir),
		detector: guard.NewDetector(),
		exec:     vdec.NewExecutor(),
		registry: newRegistry(),
	}
}

// Bootstrap gates the session on the environmental checks, provisions the
// device salt, prepares the storage roots and initializes runtime entropy.
// Idempotent.
func (s *Session) Bootstrap(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bootstrapped {
		return nil
	}
	if err := s.checkEnvironment(ctx); err != nil {
		return err
	}
	if err := s.rootSvc.InitDeviceSalt(ctx, userID); err != nil {
		return err
	}
	if err := s.coord.EnsureRoots(ctx); err != nil {
		return err
	}
	cat, err := catalog.Open(s.coord.CatalogPath())
	if err != nil {
		return err
	}
	s.cat = cat
	rt, err := entropy.NewRuntime()
	if err != nil {
		return err
	}
	s.runtime = rt
	s.userID = userID
	s.bootstrapped = true
	slog.Info("vault session ready")
	return nil
}

// checkEnvironment runs the boot integrity check and the live detector in
// parallel; any positive routes to the violation handler.
func (s *Session) checkEnvironment(ctx context.Context) error {
	if s.cfg.DisableGuard {
		return nil
	}
	var (
		wg     sync.WaitGroup
		result guard.Result
		live   bool
	)
	wg.Add(2)
	go func() { defer wg.Done(); result = guard.BootCheck(ctx, s.cfg.Guard) }()
	go func() { defer wg.Done(); live = s.detector.Check() }()
	wg.Wait()

	reason := result.Violated()
	if reason == "" && live {
		reason = "live-instrumentation"
	}
	if reason != "" {
		s.handleViolation(reason)
		return fmt.Errorf("%w: %s", faults.ErrEnvironmentUnsafe, reason)
	}
	return nil
}

// checkLive runs the throttled detector during reads.
func (s *Session) checkLive() error {
	if s.cfg.DisableGuard {
		return nil
	}
	if s.detector.Check() {
		s.handleViolation("live-instrumentation")
		return fmt.Errorf("%w: live-instrumentation", faults.ErrEnvironmentUnsafe)
	}
	return nil
}

// handleViolation is the one-shot destructive response: destroy the
// device salt, wipe the memory salt and the live buffers, then terminate
// with the violation identifier. All steps run even if earlier ones fail;
// a second invocation re-terminates with the same identifier without
// re-running the destructive steps.
func (s *Session) handleViolation(reason string) {
	if !s.violated.CompareAndSwap(false, true) {
		if id, ok := s.violationID.Load().(string); ok {
			s.cfg.Terminate(id)
		}
		return
	}
	id := fmt.Sprintf("SECURITY_VIOLATION:%s:%d", reason, time.Now().UnixMilli())
	s.violationID.Store(id)
	slog.Error("security violation", "reason", reason)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.rootSvc.DestroyDeviceSalt(ctx); err != nil {
		slog.Error("violation: destroy device salt", "error", err)
	}
	if s.runtime != nil {
		s.runtime.WipeSalt()
	}
	s.registry.releaseAll()
	s.cfg.Terminate(id)
}

// RegisterBackgroundCallback adds a hook run on every background
// transition, after the live buffers are wiped. Callback panics are
// isolated so one failing hook cannot keep the remaining wipers from
// running.
func (s *Session) RegisterBackgroundCallback(fn func()) {
	s.bgCallbackMu.Lock()
	s.bgCallbacks = append(s.bgCallbacks, fn)
	s.bgCallbackMu.Unlock()
}

// OnBackground handles the active → background transition: wipe all live
// buffers, notify the UI hooks, then wipe the runtime entropy.
func (s *Session) OnBackground() {
	s.registry.releaseAll()

	s.bgCallbackMu.Lock()
	callbacks := make([]func(), len(s.bgCallbacks))
	copy(callbacks, s.bgCallbacks)
	s.bgCallbackMu.Unlock()
	for _, fn := range callbacks {
		runIsolated(fn)
	}

	if s.runtime != nil {
		s.runtime.WipeSalt()
	}
	slog.Debug("background wipe complete")
}

// OnActive handles the transition back to the foreground: fresh memory
// salt, counters reset. The preceding background wipe has already
// completed by the time this runs.
func (s *Session) OnActive() error {
	if s.runtime == nil {
		return fmt.Errorf("vault: session not bootstrapped")
	}
	return s.runtime.Regenerate()
}

// SetScrollVelocity feeds the UI's scroll velocity into the entropy pool.
func (s *Session) SetScrollVelocity(v float64) {
	if s.runtime != nil {
		s.runtime.SetScrollVelocity(v)
	}
}

// Close releases session resources. It does not wipe stored content.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.releaseAll()
	s.bundle.Wipe()
	s.bundle = nil
	if s.cat != nil {
		return s.cat.Close()
	}
	return nil
}

func runIsolated(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("background callback panicked", "panic", r)
		}
	}()
	fn()
}

func (s *Session) requireBootstrap() error {
	if !s.bootstrapped {
		return fmt.Errorf("vault: session not bootstrapped")
	}
	return nil
}

// errIsNotFound collapses the storage sentinel for callers that treat
// absence as nil.
func errIsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
