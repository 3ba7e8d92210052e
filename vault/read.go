// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package vault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/orihimee/lalona-vault/internal/fragment"
	"github.com/orihimee/lalona-vault/internal/keys"
	"github.com/orihimee/lalona-vault/internal/memwipe"
	"github.com/orihimee/lalona-vault/internal/mutate"
	"github.com/orihimee/lalona-vault/internal/secret"
	"github.com/orihimee/lalona-vault/internal/storage"
	"github.com/orihimee/lalona-vault/internal/vdec"
)

// Page is a handle on one live render buffer. The bytes it tracks are
// mutated; plaintext exists only inside WithPlain.
type Page struct {
	Index int
	buf   *liveBuffer
}

// WithPlain reverses the display mutation, hands the plaintext to fn and
// re-applies the mutation before returning. fn must not retain the slice.
func (p *Page) WithPlain(fn func(data []byte) error) error {
	if p == nil || p.buf == nil {
		return fmt.Errorf("vault: page released")
	}
	key := p.buf.key.Bytes()
	if key == nil {
		return fmt.Errorf("vault: page key released")
	}
	if err := mutate.Reverse(p.buf.data, key); err != nil {
		return err
	}
	defer func() {
		if err := mutate.Apply(p.buf.data, key); err != nil {
			// Re-mutation failed: do not leave plaintext resident.
			memwipe.Wipe(p.buf.data)
		}
	}()
	return fn(p.buf.data)
}

// OpenChapter selects the active chapter, deriving its key bundle from a
// fresh root secret. Any previously open chapter's bundle is wiped first.
func (s *Session) OpenChapter(ctx context.Context, chapterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireBootstrap(); err != nil {
		return err
	}
	if err := s.checkLive(); err != nil {
		return err
	}

	s.bundle.Wipe()
	s.bundle, s.chapterID = nil, ""

	root, err := s.rootSvc.DeriveRootSecret(ctx, s.userID)
	if err != nil {
		return err
	}
	defer root.Release()
	bundle, err := keys.DeriveBundle(root.Bytes(), chapterID)
	if err != nil {
		return err
	}
	s.bundle = bundle
	s.chapterID = chapterID
	slog.Debug("chapter opened")
	return nil
}

// LoadPage decrypts one page through a randomized decryptor program and
// registers the mutated result as a live buffer. The returned handle is
// valid until the page is evicted or released.
func (s *Session) LoadPage(ctx context.Context, pageIdx int) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, err := s.loadPageLocked(ctx, pageIdx)
	if err != nil {
		return nil, err
	}
	if s.cfg.Prefetch {
		go s.prefetch(ctx, pageIdx+1)
	}
	return page, nil
}

func (s *Session) loadPageLocked(ctx context.Context, pageIdx int) (*Page, error) {
	if err := s.requireBootstrap(); err != nil {
		return nil, err
	}
	if s.bundle == nil {
		return nil, fmt.Errorf("vault: no open chapter")
	}
	if err := s.checkLive(); err != nil {
		return nil, err
	}
	if existing := s.registry.get(pageIdx); existing != nil {
		return &Page{Index: pageIdx, buf: existing}, nil
	}

	imageID := PageImageID(s.chapterID, pageIdx)
	manifest, err := s.coord.LoadManifest(ctx, imageID, s.bundle)
	if err != nil {
		if errIsNotFound(err) {
			return nil, fmt.Errorf("vault: page %d: %w", pageIdx, err)
		}
		return nil, err
	}

	st := &readState{
		session:  s,
		manifest: manifest,
		imageID:  imageID,
	}
	if err := s.exec.Run(ctx, vdec.Hooks{
		HMACVerify:      st.hmacVerify,
		RealDecrypt:     st.realDecrypt,
		CanaryCheck:     st.canaryCheck,
		EphemeralDerive: st.ephemeralDerive(int64(pageIdx)),
		DisplayMutate:   st.displayMutate,
	}); err != nil {
		st.wipe()
		return nil, err
	}

	s.registry.put(pageIdx, st.assembled, st.ephemeral)
	buf := s.registry.get(pageIdx)
	slog.Debug("page loaded", "page", pageIdx, "fragments", manifest.TotalFragments)
	return &Page{Index: pageIdx, buf: buf}, nil
}

// prefetch warms the next page, ignoring errors; the registry cap evicts
// pages two or more behind automatically.
func (s *Session) prefetch(ctx context.Context, pageIdx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.loadPageLocked(ctx, pageIdx); err != nil {
		slog.Debug("prefetch skipped", "page", pageIdx)
	}
}

// ReleasePage wipes and drops one page's live buffer.
func (s *Session) ReleasePage(pageIdx int) {
	s.registry.release(pageIdx)
}

// readState carries one page read through the decryptor program's real
// steps. Fragment work inside a step fans out across goroutines; the
// program itself runs on the session scheduler.
type readState struct {
	session  *Session
	manifest storage.Manifest
	imageID  string

	blobs     []string // Base64 fragment files, loaded by hmacVerify
	plains    [][]byte // decrypted fragments
	assembled []byte
	ephemeral *secret.Buffer
}

func (st *readState) wipe() {
	for _, p := range st.plains {
		memwipe.Wipe(p)
	}
	st.plains = nil
	memwipe.Wipe(st.assembled)
	st.assembled = nil
	st.ephemeral.Release()
	st.ephemeral = nil
}

// hmacVerify loads every fragment file and checks its HMAC before any
// AES work happens.
func (st *readState) hmacVerify(ctx context.Context) error {
	st.blobs = make([]string, len(st.manifest.Fragments))
	for i, entry := range st.manifest.Fragments {
		encoded, err := st.session.coord.ReadFragment(ctx, st.manifest.ChapterID, entry.Filename)
		if err != nil {
			return err
		}
		if err := fragment.VerifyHMAC(entry.Record(encoded), st.session.bundle.HMAC.Bytes()); err != nil {
			return err
		}
		st.blobs[i] = encoded
	}
	return nil
}

// realDecrypt runs the AAD check and AES-GCM open for each fragment.
// Distinct fragments decrypt concurrently.
func (st *readState) realDecrypt(ctx context.Context) error {
	st.plains = make([][]byte, len(st.manifest.Fragments))
	errs := make([]error, len(st.manifest.Fragments))
	done := make(chan int, len(st.manifest.Fragments))
	for i := range st.manifest.Fragments {
		go func(i int) {
			defer func() { done <- i }()
			entry := st.manifest.Fragments[i]
			rec := entry.Record(st.blobs[i])
			st.plains[i], errs[i] = fragment.DecryptNoCanary(ctx, st.imageID, rec, st.session.bundle.ChapterRoot.Bytes())
		}(i)
	}
	for range st.manifest.Fragments {
		<-done
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// canaryCheck verifies and strips each fragment's sentinel, then
// assembles the page.
func (st *readState) canaryCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	assembled := make([]byte, 0, st.manifest.TotalSize)
	for i, embedded := range st.plains {
		data, err := fragment.CheckAndStrip(embedded, st.session.bundle.ChapterRoot.Bytes(), st.manifest.Fragments[i].Index)
		if err != nil {
			return err
		}
		assembled = append(assembled, data...)
		memwipe.Wipe(embedded)
		st.plains[i] = nil
	}
	st.assembled = assembled
	return nil
}

// ephemeralDerive snapshots runtime entropy and derives the one-render
// key for this page.
func (st *readState) ephemeralDerive(chunkIndex int64) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		bundle, err := st.session.runtime.Snapshot(chunkIndex)
		if err != nil {
			return err
		}
		st.ephemeral, err = keys.DeriveEphemeral(st.session.bundle.ChapterRoot.Bytes(), bundle)
		return err
	}
}

// displayMutate XORs the keystream over the assembled page in place.
func (st *readState) displayMutate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mutate.Apply(st.assembled, st.ephemeral.Bytes())
}

