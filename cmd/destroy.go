// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
)

var destroyConfirmed bool

// destroyCmd is the kill switch. Destroying the device salt is
// irreversible: every stored chapter becomes permanently undecryptable
// while the ciphertext stays on disk.
var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy the device salt, rendering all stored content undecryptable",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return rootCmdLoadConfig()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if !destroyConfirmed {
			return errors.New("refusing to destroy the vault without --yes-i-mean-it")
		}
		session, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer session.Close()

		if err := session.DestroyVault(cmd.Context()); err != nil {
			return err
		}
		slog.Info("device salt destroyed; stored content is now unrecoverable")
		return nil
	},
}

func destroyCmdInit() {
	destroyCmd.Flags().BoolVar(&destroyConfirmed, "yes-i-mean-it", false, "Confirm the irreversible destruction")
	rootCmd.AddCommand(destroyCmd)
}

func init() { destroyCmdInit() }
