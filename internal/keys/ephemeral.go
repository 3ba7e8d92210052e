// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package keys

import (
	"fmt"

	"github.com/orihimee/lalona-vault/internal/cryptoutil"
	"github.com/orihimee/lalona-vault/internal/entropy"
	"github.com/orihimee/lalona-vault/internal/memwipe"
	"github.com/orihimee/lalona-vault/internal/secret"
)

const infoEphemeral = "runtime-ephemeral"

// EphemeralKeySize is the render key length in bytes.
const EphemeralKeySize = 32

// DeriveEphemeral computes the per-render key:
// HKDF(ikm = chapterRoot, salt = serialized entropy bundle,
// info = "runtime-ephemeral"). The serialization buffer is wiped before
// return; the key is owned by the caller and drives display mutation for
// exactly one render.
func DeriveEphemeral(chapterRoot []byte, bundle entropy.Bundle) (*secret.Buffer, error) {
	salt := bundle.Serialize()
	defer memwipe.Wipe(salt)
	k, err := cryptoutil.HKDFSHA256(chapterRoot, salt, []byte(infoEphemeral), EphemeralKeySize)
	if err != nil {
		return nil, fmt.Errorf("keys: ephemeral: %w", err)
	}
	return secret.Take(k), nil
}
