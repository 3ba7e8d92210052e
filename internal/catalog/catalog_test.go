// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package catalog

import (
	"path/filepath"
	"testing"
)

func openCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUpsertAndList(t *testing.T) {
	c := openCatalog(t)
	if err := c.Upsert("hash-a", "Volume 1", 12, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.Upsert("hash-b", "Volume 2", 8, 1); err != nil {
		t.Fatal(err)
	}

	rows, err := c.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("%d rows, want 2", len(rows))
	}

	// Upsert on an existing hash updates in place.
	if err := c.Upsert("hash-a", "Volume 1", 13, 2); err != nil {
		t.Fatal(err)
	}
	rows, err = c.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("upsert created a duplicate, %d rows", len(rows))
	}
	for _, row := range rows {
		if row.DirHash == "hash-a" && (row.Pages != 13 || row.KeyVersion != 2) {
			t.Errorf("row not updated: %+v", row)
		}
	}
}

func TestSetKeyVersion(t *testing.T) {
	c := openCatalog(t)
	if err := c.Upsert("hash-a", "t", 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.SetKeyVersion("hash-a", 5); err != nil {
		t.Fatal(err)
	}
	rows, err := c.List()
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].KeyVersion != 5 {
		t.Errorf("key version %d, want 5", rows[0].KeyVersion)
	}
}

func TestDelete(t *testing.T) {
	c := openCatalog(t)
	if err := c.Upsert("hash-a", "t", 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete("hash-a"); err != nil {
		t.Fatal(err)
	}
	rows, err := c.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("%d rows after delete, want 0", len(rows))
	}
	// Deleting a missing row is not an error.
	if err := c.Delete("hash-a"); err != nil {
		t.Fatal(err)
	}
}
