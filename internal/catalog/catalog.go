// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

// Package catalog keeps the vault's non-secret bookkeeping in a small
// sqlite database under the metadata root: which chapter directories
// exist, how many pages they hold and which wrapping version is current.
// No chapter id, key material or image data is ever written here — only
// the directory hash that is already visible on disk.
package catalog

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Chapter is one bookkeeping row.
type Chapter struct {
	ID         uint   `gorm:"primarykey"`
	DirHash    string `gorm:"uniqueIndex;size:64"`
	TitleHint  string
	Pages      int
	KeyVersion uint32
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Catalog wraps the sqlite handle.
type Catalog struct {
	db *gorm.DB
}

// Open opens (creating if needed) the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	if err := db.AutoMigrate(&Chapter{}); err != nil {
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Upsert records or refreshes a chapter row keyed by directory hash.
func (c *Catalog) Upsert(dirHash, titleHint string, pages int, keyVersion uint32) error {
	var row Chapter
	err := c.db.Where("dir_hash = ?", dirHash).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = Chapter{DirHash: dirHash, TitleHint: titleHint, Pages: pages, KeyVersion: keyVersion}
		if err := c.db.Create(&row).Error; err != nil {
			return fmt.Errorf("catalog: create: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("catalog: lookup: %w", err)
	}
	row.TitleHint = titleHint
	row.Pages = pages
	row.KeyVersion = keyVersion
	if err := c.db.Save(&row).Error; err != nil {
		return fmt.Errorf("catalog: update: %w", err)
	}
	return nil
}

// SetKeyVersion records the wrapping version after a rotation.
func (c *Catalog) SetKeyVersion(dirHash string, version uint32) error {
	res := c.db.Model(&Chapter{}).Where("dir_hash = ?", dirHash).Update("key_version", version)
	if res.Error != nil {
		return fmt.Errorf("catalog: set key version: %w", res.Error)
	}
	return nil
}

// List returns all rows, oldest first.
func (c *Catalog) List() ([]Chapter, error) {
	var rows []Chapter
	if err := c.db.Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	return rows, nil
}

// Delete removes a chapter row.
func (c *Catalog) Delete(dirHash string) error {
	if err := c.db.Where("dir_hash = ?", dirHash).Delete(&Chapter{}).Error; err != nil {
		return fmt.Errorf("catalog: delete: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
