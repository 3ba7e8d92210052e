// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

// Package storage lays ciphertext down on disk. Nothing under the vault
// roots carries a meaningful name: directories and files are addressed by
// hashes (fragment filenames also fold in a per-ingest salt), contents are
// Base64 ciphertext, and .nomedia markers keep
// platform indexers out.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/orihimee/lalona-vault/internal/cryptoutil"
	"github.com/orihimee/lalona-vault/internal/fragment"
	"github.com/orihimee/lalona-vault/internal/keys"
	"github.com/orihimee/lalona-vault/internal/memwipe"
)

const (
	// VaultRootName holds fragment files.
	VaultRootName = ".ls_v"
	// MetaRootName holds manifests, wrapped keys and chapter metadata.
	MetaRootName = ".ls_m"

	nomediaName  = ".nomedia"
	fragmentExt  = ".dat"
	catalogName  = "catalog.db"
	keystoreName = "ks"
)

// ErrNotFound is returned when a stored object is absent.
var ErrNotFound = errors.New("storage: not found")

// FragmentEntry is one manifest row. The ciphertext itself lives in the
// fragment file the row points at.
type FragmentEntry struct {
	Index         int    `json:"index"`
	Filename      string `json:"filename"`
	AADB64        string `json:"aad"`
	HMACHex       string `json:"hmac"`
	OriginalSize  int    `json:"originalSize"`
	EncryptedSize int    `json:"encryptedSize"`
}

// Record reassembles the engine-facing record from a manifest row and the
// fragment file contents.
func (e FragmentEntry) Record(encodedBlob string) fragment.Record {
	return fragment.Record{
		Index:         e.Index,
		EncryptedData: encodedBlob,
		AADB64:        e.AADB64,
		HMACHex:       e.HMACHex,
		OriginalSize:  e.OriginalSize,
		EncryptedSize: e.EncryptedSize,
	}
}

// Entry derives a manifest row from an engine record and the filename the
// ciphertext was stored under.
func Entry(rec fragment.Record, filename string) FragmentEntry {
	return FragmentEntry{
		Index:         rec.Index,
		Filename:      filename,
		AADB64:        rec.AADB64,
		HMACHex:       rec.HMACHex,
		OriginalSize:  rec.OriginalSize,
		EncryptedSize: rec.EncryptedSize,
	}
}

// Manifest describes one image's fragment set. It is persisted AES-GCM
// encrypted under the chapter's fragment-map key.
type Manifest struct {
	ImageID        string          `json:"imageId"`
	ChapterID      string          `json:"chapterId"`
	TotalFragments int             `json:"totalFragments"`
	TotalSize      int             `json:"totalSize"`
	Fragments      []FragmentEntry `json:"fragments"`
}

// ChapterMetadata is the per-chapter record, persisted AES-GCM encrypted
// under the chapter's metadata key.
type ChapterMetadata struct {
	ChapterID  string   `json:"chapterId"`
	Title      string   `json:"title"`
	ImageIDs   []string `json:"imageIds"`
	CreatedAt  int64    `json:"createdAt"`
	KeyVersion uint32   `json:"keyVersion"`
}

// Coordinator owns the two on-disk roots under a documents base.
type Coordinator struct {
	base string
}

// New returns a Coordinator rooted at base.
func New(base string) *Coordinator {
	return &Coordinator{base: base}
}

// VaultRoot returns the fragment root path.
func (c *Coordinator) VaultRoot() string { return filepath.Join(c.base, VaultRootName) }

// MetaRoot returns the metadata root path.
func (c *Coordinator) MetaRoot() string { return filepath.Join(c.base, MetaRootName) }

// CatalogPath is where the bookkeeping database lives.
func (c *Coordinator) CatalogPath() string { return filepath.Join(c.MetaRoot(), catalogName) }

// KeystoreDir is the fallback file-keystore directory.
func (c *Coordinator) KeystoreDir() string { return filepath.Join(c.MetaRoot(), keystoreName) }

// EnsureRoots creates both roots and their .nomedia markers. Idempotent.
func (c *Coordinator) EnsureRoots(ctx context.Context) error {
	for _, root := range []string{c.VaultRoot(), c.MetaRoot()} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.MkdirAll(root, 0o700); err != nil {
			return fmt.Errorf("storage: create root: %w", err)
		}
		if err := writeNomedia(root); err != nil {
			return err
		}
	}
	return nil
}

func writeNomedia(dir string) error {
	path := filepath.Join(dir, nomediaName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		return fmt.Errorf("storage: nomedia marker: %w", err)
	}
	return nil
}

// ChapterDirName hashes a chapter id into its directory name.
func ChapterDirName(chapterID string) string {
	return cryptoutil.SHA256Hex([]byte("dir:" + chapterID))
}

// FragmentFileName hashes (chapterID, index, ingest salt) into a filename.
func FragmentFileName(chapterID string, index int, salt string) string {
	return cryptoutil.SHA256Hex([]byte(chapterID+":"+strconv.Itoa(index)+":"+salt)) + fragmentExt
}

func metaFileName(key string) string {
	return cryptoutil.SHA256Hex([]byte(key))
}

// ChapterDir returns (and creates, with marker) a chapter's directory.
func (c *Coordinator) ChapterDir(ctx context.Context, chapterID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(c.VaultRoot(), ChapterDirName(chapterID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("storage: chapter dir: %w", err)
	}
	if err := writeNomedia(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// WriteFragment stores one fragment's Base64 ciphertext and returns the
// filename recorded in the manifest.
func (c *Coordinator) WriteFragment(ctx context.Context, chapterID string, index int, salt, encodedBlob string) (string, error) {
	dir, err := c.ChapterDir(ctx, chapterID)
	if err != nil {
		return "", err
	}
	name := FragmentFileName(chapterID, index, salt)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(encodedBlob), 0o600); err != nil {
		return "", fmt.Errorf("storage: write fragment: %w", err)
	}
	return name, nil
}

// ReadFragment loads a fragment's Base64 ciphertext by filename.
func (c *Coordinator) ReadFragment(ctx context.Context, chapterID, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(c.VaultRoot(), ChapterDirName(chapterID), filename)
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("storage: read fragment: %w", err)
	}
	return string(b), nil
}

// SaveManifest encrypts and stores an image manifest under "meta:"+imageID.
func (c *Coordinator) SaveManifest(ctx context.Context, m Manifest, bundle *keys.Bundle) error {
	plain, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("storage: marshal manifest: %w", err)
	}
	defer memwipe.Wipe(plain)
	return c.writeEncrypted(ctx, "meta:"+m.ImageID, plain, bundle.FragmentMap.Bytes())
}

// LoadManifest decrypts an image manifest.
func (c *Coordinator) LoadManifest(ctx context.Context, imageID string, bundle *keys.Bundle) (Manifest, error) {
	var m Manifest
	plain, err := c.readEncrypted(ctx, "meta:"+imageID, bundle.FragmentMap.Bytes())
	if err != nil {
		return m, err
	}
	defer memwipe.Wipe(plain)
	if err := json.Unmarshal(plain, &m); err != nil {
		return m, fmt.Errorf("storage: decode manifest: %w", err)
	}
	return m, nil
}

// SaveChapterMetadata encrypts and stores the chapter record under
// "cm:"+chapterID.
func (c *Coordinator) SaveChapterMetadata(ctx context.Context, meta ChapterMetadata, bundle *keys.Bundle) error {
	plain, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("storage: marshal chapter metadata: %w", err)
	}
	defer memwipe.Wipe(plain)
	return c.writeEncrypted(ctx, "cm:"+meta.ChapterID, plain, bundle.Metadata.Bytes())
}

// LoadChapterMetadata decrypts the chapter record.
func (c *Coordinator) LoadChapterMetadata(ctx context.Context, chapterID string, bundle *keys.Bundle) (ChapterMetadata, error) {
	var meta ChapterMetadata
	plain, err := c.readEncrypted(ctx, "cm:"+chapterID, bundle.Metadata.Bytes())
	if err != nil {
		return meta, err
	}
	defer memwipe.Wipe(plain)
	if err := json.Unmarshal(plain, &meta); err != nil {
		return meta, fmt.Errorf("storage: decode chapter metadata: %w", err)
	}
	return meta, nil
}

// SaveWrappedKey stores a wrapped-key envelope as JSON under
// "wk:"+chapterID. The envelope's interior is already ciphertext.
func (c *Coordinator) SaveWrappedKey(ctx context.Context, chapterID string, w keys.Wrapped) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("storage: marshal wrapped key: %w", err)
	}
	path := filepath.Join(c.MetaRoot(), metaFileName("wk:"+chapterID))
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("storage: write wrapped key: %w", err)
	}
	return nil
}

// LoadWrappedKey reads a wrapped-key envelope.
func (c *Coordinator) LoadWrappedKey(ctx context.Context, chapterID string) (keys.Wrapped, error) {
	var w keys.Wrapped
	if err := ctx.Err(); err != nil {
		return w, err
	}
	path := filepath.Join(c.MetaRoot(), metaFileName("wk:"+chapterID))
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return w, ErrNotFound
	}
	if err != nil {
		return w, fmt.Errorf("storage: read wrapped key: %w", err)
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return w, fmt.Errorf("storage: decode wrapped key: %w", err)
	}
	return w, nil
}

// RemoveChapter deletes a chapter's fragment directory and its metadata
// files. Best-effort: all removals are attempted, errors joined.
func (c *Coordinator) RemoveChapter(ctx context.Context, chapterID string, imageIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var errs []error
	if err := os.RemoveAll(filepath.Join(c.VaultRoot(), ChapterDirName(chapterID))); err != nil {
		errs = append(errs, err)
	}
	targets := []string{metaFileName("wk:" + chapterID), metaFileName("cm:" + chapterID)}
	for _, imageID := range imageIDs {
		targets = append(targets, metaFileName("meta:"+imageID))
	}
	for _, name := range targets {
		err := os.Remove(filepath.Join(c.MetaRoot(), name))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("storage: remove chapter: %w", errors.Join(errs...))
	}
	slog.Debug("chapter removed from disk")
	return nil
}

func (c *Coordinator) writeEncrypted(ctx context.Context, key string, plain, aesKey []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blob, err := cryptoutil.EncryptGCM(aesKey, plain, nil)
	if err != nil {
		return fmt.Errorf("storage: encrypt %q class: %w", key[:2], err)
	}
	path := filepath.Join(c.MetaRoot(), metaFileName(key))
	if err := os.WriteFile(path, []byte(encodeBase64(blob)), 0o600); err != nil {
		return fmt.Errorf("storage: write metadata: %w", err)
	}
	return nil
}

func (c *Coordinator) readEncrypted(ctx context.Context, key string, aesKey []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(c.MetaRoot(), metaFileName(key))
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read metadata: %w", err)
	}
	blob, err := decodeBase64(string(b))
	if err != nil {
		return nil, fmt.Errorf("storage: decode metadata: %w", err)
	}
	return cryptoutil.DecryptGCM(aesKey, blob, nil)
}
