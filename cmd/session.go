// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/orihimee/lalona-vault/vault"
)

// newSession bootstraps a vault session from the loaded configuration.
func newSession(cmd *cobra.Command) (*vault.Session, error) {
	cfg, err := loadVaultConfig()
	if err != nil {
		return nil, err
	}
	session := vault.New(cfg.sessionConfig())
	if err := session.Bootstrap(cmd.Context(), cfg.UserID); err != nil {
		return nil, err
	}
	return session, nil
}
