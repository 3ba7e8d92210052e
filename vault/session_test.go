// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orihimee/lalona-vault/internal/devicebind"
	"github.com/orihimee/lalona-vault/internal/faults"
	"github.com/orihimee/lalona-vault/internal/guard"
	"github.com/orihimee/lalona-vault/internal/keystore"
	"github.com/orihimee/lalona-vault/internal/storage"
)

type violationRecorder struct {
	ids []string
}

func (v *violationRecorder) terminate(id string) {
	v.ids = append(v.ids, id)
}

func testSource() devicebind.Source {
	return devicebind.StaticSource{
		{Key: "install", Value: "fixture-install"},
		{Key: "model", Value: "fixture-model"},
	}
}

// newTestSession builds a bootstrapped session over an in-memory keystore
// and a temp directory. The returned recorder captures violation aborts
// instead of exiting the test process.
func newTestSession(t *testing.T, dir string, store keystore.Store) (*Session, *violationRecorder) {
	t.Helper()
	rec := &violationRecorder{}
	s := New(Config{
		BaseDir:       dir,
		Keystore:      store,
		DeviceSource:  testSource(),
		DisableGuard:  true,
		KDFIterations: 25,
		Terminate:     rec.terminate,
	})
	if err := s.Bootstrap(context.Background(), "user-1"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, rec
}

func chapterDatFiles(t *testing.T, dir, chapterID string) []string {
	t.Helper()
	chapterDir := filepath.Join(dir, storage.VaultRootName, storage.ChapterDirName(chapterID))
	entries, err := os.ReadDir(chapterDir)
	if err != nil {
		t.Fatal(err)
	}
	var files []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".dat" {
			files = append(files, filepath.Join(chapterDir, e.Name()))
		}
	}
	return files
}

func ingestFixture(t *testing.T, s *Session, chapterID string, images [][]byte) {
	t.Helper()
	if _, err := s.IngestChapter(context.Background(), chapterID, "Test Chapter", images); err != nil {
		t.Fatal(err)
	}
}

// Scenario S1: a 250 000-byte page of 0xAA survives the full ingest/read
// cycle and lands on disk as 2–5 fragment files.
func TestIngestReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSession(t, dir, keystore.NewMemory())
	ctx := context.Background()

	input := bytes.Repeat([]byte{0xAA}, 250_000)
	ingestFixture(t, s, "ch42", [][]byte{input})

	files := chapterDatFiles(t, dir, "ch42")
	if len(files) < 2 || len(files) > 5 {
		t.Errorf("%d fragment files on disk, want 2..5", len(files))
	}
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		if bytes.Contains(raw, []byte{0xAA, 0xAA, 0xAA, 0xAA}) {
			t.Error("fragment file contains plaintext runs")
		}
	}

	if err := s.OpenChapter(ctx, "ch42"); err != nil {
		t.Fatal(err)
	}
	page, err := s.LoadPage(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = page.WithPlain(func(data []byte) error {
		if !bytes.Equal(data, input) {
			t.Error("recovered page differs from input")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestChapterMetadata(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSession(t, dir, keystore.NewMemory())
	ctx := context.Background()

	ingestFixture(t, s, "ch42", [][]byte{bytes.Repeat([]byte{0x01}, 10_000)})

	meta, err := s.GetChapterMetadata(ctx, "ch42")
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil || meta.Title != "Test Chapter" || len(meta.ImageIDs) != 1 {
		t.Errorf("metadata mismatch: %+v", meta)
	}

	missing, err := s.GetChapterMetadata(ctx, "no-such-chapter")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("missing chapter returned metadata")
	}
}

func TestZeroLengthImageYieldsNoFragments(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSession(t, dir, keystore.NewMemory())

	ingestFixture(t, s, "ch-empty", [][]byte{{}})
	files := chapterDatFiles(t, dir, "ch-empty")
	if len(files) != 0 {
		t.Errorf("%d fragment files for an empty image, want 0", len(files))
	}
}

// Scenario S2: one flipped byte in any fragment file fails the read with
// an integrity error and leaves no live buffer behind.
func TestTamperedFragmentFile(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSession(t, dir, keystore.NewMemory())
	ctx := context.Background()

	ingestFixture(t, s, "ch42", [][]byte{bytes.Repeat([]byte{0xAA}, 250_000)})
	files := chapterDatFiles(t, dir, "ch42")

	raw, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	raw[200] ^= 0x01
	if err := os.WriteFile(files[0], raw, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := s.OpenChapter(ctx, "ch42"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadPage(ctx, 0); !errors.Is(err, faults.ErrIntegrity) {
		t.Errorf("got %v, want ErrIntegrity", err)
	}
	if n := s.registry.size(); n != 0 {
		t.Errorf("registry holds %d buffers after a failed read", n)
	}
}

// Scenario S3: swapping fragment files between two images of the same
// chapter surfaces as an HMAC mismatch: the MAC covers the ciphertext,
// not the filename.
func TestSwappedFragmentFiles(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSession(t, dir, keystore.NewMemory())
	ctx := context.Background()

	// Two single-fragment pages.
	ingestFixture(t, s, "ch42", [][]byte{
		bytes.Repeat([]byte{0x01}, 10_000),
		bytes.Repeat([]byte{0x02}, 10_000),
	})
	files := chapterDatFiles(t, dir, "ch42")
	if len(files) != 2 {
		t.Fatalf("%d fragment files, want 2", len(files))
	}

	a, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(files[1])
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(files[0], b, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(files[1], a, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := s.OpenChapter(ctx, "ch42"); err != nil {
		t.Fatal(err)
	}
	for page := 0; page < 2; page++ {
		if _, err := s.LoadPage(ctx, page); !errors.Is(err, faults.ErrIntegrity) {
			t.Errorf("page %d: got %v, want ErrIntegrity", page, err)
		}
	}
}

// Scenario S4: after the kill switch and a re-init with the same user id,
// stored content fails authentication.
func TestKillSwitch(t *testing.T) {
	dir := t.TempDir()
	store := keystore.NewMemory()
	s, _ := newTestSession(t, dir, store)
	ctx := context.Background()

	ingestFixture(t, s, "ch42", [][]byte{bytes.Repeat([]byte{0xAA}, 250_000)})
	if err := s.DestroyVault(ctx); err != nil {
		t.Fatal(err)
	}
	s.Close()

	fresh, _ := newTestSession(t, dir, store)
	if err := fresh.OpenChapter(ctx, "ch42"); err != nil {
		t.Fatal(err)
	}
	if _, err := fresh.LoadPage(ctx, 0); !errors.Is(err, faults.ErrAuth) {
		t.Errorf("got %v, want ErrAuth", err)
	}
}

// Scenario S5: rotation rewraps the envelope without touching fragment
// bytes, and reads keep working.
func TestRotationLeavesFragmentsUntouched(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSession(t, dir, keystore.NewMemory())
	ctx := context.Background()

	ingestFixture(t, s, "ch42", [][]byte{bytes.Repeat([]byte{0xAA}, 250_000)})

	hashBefore := map[string][32]byte{}
	for _, f := range chapterDatFiles(t, dir, "ch42") {
		raw, err := os.ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		hashBefore[f] = sha256.Sum256(raw)
	}

	if err := s.RotateKey(ctx, "ch42"); err != nil {
		t.Fatal(err)
	}

	for f, before := range hashBefore {
		raw, err := os.ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		if sha256.Sum256(raw) != before {
			t.Errorf("fragment %s rewritten by rotation", filepath.Base(f))
		}
	}

	w, err := s.coord.LoadWrappedKey(ctx, "ch42")
	if err != nil {
		t.Fatal(err)
	}
	if w.Version != 2 {
		t.Errorf("envelope version %d, want 2", w.Version)
	}

	if err := s.OpenChapter(ctx, "ch42"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadPage(ctx, 0); err != nil {
		t.Errorf("read after rotation: %v", err)
	}
}

func TestRotateKeyIfDueHonorsSchedule(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSession(t, dir, keystore.NewMemory())
	ctx := context.Background()

	ingestFixture(t, s, "ch42", [][]byte{bytes.Repeat([]byte{0x01}, 10_000)})

	// Ingest just recorded a rotation timestamp, so nothing is due.
	if err := s.RotateKeyIfDue(ctx, "ch42"); err != nil {
		t.Fatal(err)
	}
	w, err := s.coord.LoadWrappedKey(ctx, "ch42")
	if err != nil {
		t.Fatal(err)
	}
	if w.Version != 1 {
		t.Errorf("version advanced to %d despite fresh timestamp", w.Version)
	}
}

// Scenario S6: three back-to-back page loads never exceed the two-buffer
// cap, and the evicted page's bytes are zeroed.
func TestLiveBufferCap(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSession(t, dir, keystore.NewMemory())
	ctx := context.Background()

	ingestFixture(t, s, "ch42", [][]byte{
		bytes.Repeat([]byte{0x01}, 10_000),
		bytes.Repeat([]byte{0x02}, 10_000),
		bytes.Repeat([]byte{0x03}, 10_000),
	})
	if err := s.OpenChapter(ctx, "ch42"); err != nil {
		t.Fatal(err)
	}

	page0, err := s.LoadPage(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	page0Data := page0.buf.data

	for _, idx := range []int{1, 2} {
		if _, err := s.LoadPage(ctx, idx); err != nil {
			t.Fatal(err)
		}
		if n := s.registry.size(); n > MaxDecryptedFragments {
			t.Fatalf("registry size %d exceeds cap", n)
		}
	}

	if !bytes.Equal(page0Data, make([]byte, len(page0Data))) {
		t.Error("evicted page buffer not zeroed")
	}
	if s.registry.get(0) != nil {
		t.Error("evicted page still registered")
	}
}

func TestReleasePageWipes(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSession(t, dir, keystore.NewMemory())
	ctx := context.Background()

	ingestFixture(t, s, "ch42", [][]byte{bytes.Repeat([]byte{0x01}, 10_000)})
	if err := s.OpenChapter(ctx, "ch42"); err != nil {
		t.Fatal(err)
	}
	page, err := s.LoadPage(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	data := page.buf.data
	s.ReleasePage(0)
	if !bytes.Equal(data, make([]byte, len(data))) {
		t.Error("released page buffer not zeroed")
	}
	if s.registry.size() != 0 {
		t.Error("registry not empty after release")
	}
}

// Property 7: after a background transition every tracked buffer is
// zeroed before the next activation completes.
func TestBackgroundWipe(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSession(t, dir, keystore.NewMemory())
	ctx := context.Background()

	ingestFixture(t, s, "ch42", [][]byte{
		bytes.Repeat([]byte{0x01}, 10_000),
		bytes.Repeat([]byte{0x02}, 10_000),
	})
	if err := s.OpenChapter(ctx, "ch42"); err != nil {
		t.Fatal(err)
	}
	var tracked [][]byte
	for idx := 0; idx < 2; idx++ {
		page, err := s.LoadPage(ctx, idx)
		if err != nil {
			t.Fatal(err)
		}
		tracked = append(tracked, page.buf.data)
	}

	callbackRan := false
	s.RegisterBackgroundCallback(func() { callbackRan = true })
	s.RegisterBackgroundCallback(func() { panic("failing UI hook") })

	s.OnBackground()

	if !callbackRan {
		t.Error("background callback did not run")
	}
	for i, data := range tracked {
		if !bytes.Equal(data, make([]byte, len(data))) {
			t.Errorf("buffer %d not zeroed on background", i)
		}
	}
	if s.registry.size() != 0 {
		t.Error("registry not empty on background")
	}

	if err := s.OnActive(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadPage(ctx, 0); err != nil {
		t.Errorf("read after foreground transition: %v", err)
	}
}

// Loading the same page twice derives distinct ephemeral keys, so the
// mutated bytes differ even for identical plaintext.
func TestEphemeralKeyVariesPerRender(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSession(t, dir, keystore.NewMemory())
	ctx := context.Background()

	ingestFixture(t, s, "ch42", [][]byte{bytes.Repeat([]byte{0x01}, 10_000)})
	if err := s.OpenChapter(ctx, "ch42"); err != nil {
		t.Fatal(err)
	}
	first, err := s.LoadPage(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	firstMutated := append([]byte(nil), first.buf.data...)
	s.ReleasePage(0)

	second, err := s.LoadPage(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(firstMutated, second.buf.data) {
		t.Error("two renders produced identical mutated bytes")
	}
}

func TestDeleteChapter(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSession(t, dir, keystore.NewMemory())
	ctx := context.Background()

	ingestFixture(t, s, "ch42", [][]byte{bytes.Repeat([]byte{0x01}, 10_000)})
	if err := s.DeleteChapter(ctx, "ch42"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, storage.VaultRootName, storage.ChapterDirName("ch42"))); !errors.Is(err, os.ErrNotExist) {
		t.Error("chapter directory survived deletion")
	}
	rows, err := s.ListChapters()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("%d catalog rows after deletion", len(rows))
	}
}

func TestViolationHandlerIsOneShot(t *testing.T) {
	dir := t.TempDir()
	store := keystore.NewMemory()
	s, rec := newTestSession(t, dir, store)
	ctx := context.Background()

	s.handleViolation("test-reason")
	if len(rec.ids) != 1 {
		t.Fatalf("%d terminations, want 1", len(rec.ids))
	}
	if !strings.HasPrefix(rec.ids[0], "SECURITY_VIOLATION:test-reason:") {
		t.Errorf("violation id %q", rec.ids[0])
	}
	if _, err := store.Get(ctx, keystore.DeviceSaltKey); !errors.Is(err, keystore.ErrNotFound) {
		t.Error("device salt survived the violation")
	}

	// Reentrancy: same identifier, destructive steps not re-run.
	if err := store.Set(ctx, keystore.DeviceSaltKey, []byte("sentinel")); err != nil {
		t.Fatal(err)
	}
	s.handleViolation("other-reason")
	if len(rec.ids) != 2 || rec.ids[1] != rec.ids[0] {
		t.Errorf("second invocation ids %v", rec.ids)
	}
	if _, err := store.Get(ctx, keystore.DeviceSaltKey); err != nil {
		t.Error("destructive steps re-ran on reentry")
	}
}

func TestBootstrapGateViolation(t *testing.T) {
	dir := t.TempDir()
	su := filepath.Join(dir, "su")
	if err := os.WriteFile(su, []byte("#!/bin/sh\n"), 0o700); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "missing")

	rec := &violationRecorder{}
	s := New(Config{
		BaseDir:      dir,
		Keystore:     keystore.NewMemory(),
		DeviceSource: testSource(),
		Guard: &guard.Config{
			SuperuserPaths: []string{su},
			EmulatorPaths:  []string{filepath.Join(missing, "qemu")},
			SystemDir:      missing,
			DebugThreshold: time.Minute,
		},
		KDFIterations: 25,
		Terminate:     rec.terminate,
	})
	err := s.Bootstrap(context.Background(), "user-1")
	if !errors.Is(err, faults.ErrEnvironmentUnsafe) {
		t.Fatalf("got %v, want ErrEnvironmentUnsafe", err)
	}
	if len(rec.ids) != 1 || !strings.HasPrefix(rec.ids[0], "SECURITY_VIOLATION:rooted:") {
		t.Errorf("violation ids %v", rec.ids)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSession(t, dir, keystore.NewMemory())
	if err := s.Bootstrap(context.Background(), "user-1"); err != nil {
		t.Fatal(err)
	}
}

func TestOperationsRequireBootstrap(t *testing.T) {
	s := New(Config{
		BaseDir:      t.TempDir(),
		Keystore:     keystore.NewMemory(),
		DeviceSource: testSource(),
		DisableGuard: true,
		Terminate:    func(string) {},
	})
	ctx := context.Background()
	if _, err := s.IngestChapter(ctx, "ch", "t", nil); err == nil {
		t.Error("ingest allowed before bootstrap")
	}
	if err := s.OpenChapter(ctx, "ch"); err == nil {
		t.Error("open allowed before bootstrap")
	}
	if _, err := s.LoadPage(ctx, 0); err == nil {
		t.Error("load allowed before bootstrap")
	}
}
