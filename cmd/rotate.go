// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/orihimee/lalona-vault/vault"
)

var rotateForce bool

// rotateCmd rewraps chapter key envelopes. Fragment files are never
// rewritten by rotation.
var rotateCmd = &cobra.Command{
	Use:   "rotate [chapter_id]",
	Short: "Rewrap chapter key envelopes at the next version",
	Args:  cobra.MaximumNArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return rootCmdLoadConfig()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer session.Close()

		if len(args) == 1 {
			return rotateOne(cmd, session, args[0])
		}

		// No chapter named: catalog rows carry only directory hashes, so
		// there is no chapter id to rotate. List every chapter with its
		// page count and key version instead; nothing is rotated.
		rows, err := session.ListChapters()
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			slog.Info("vault has no chapters")
			return nil
		}
		for _, row := range rows {
			fmt.Printf("%s\tpages=%d\tkey_version=%d\n", row.DirHash[:12], row.Pages, row.KeyVersion)
		}
		return nil
	},
}

func rotateOne(cmd *cobra.Command, session *vault.Session, chapterID string) error {
	if rotateForce {
		return session.RotateKey(cmd.Context(), chapterID)
	}
	return session.RotateKeyIfDue(cmd.Context(), chapterID)
}

func rotateCmdInit() {
	rotateCmd.Flags().BoolVar(&rotateForce, "force", false, "Rotate even if the period has not elapsed")
	rootCmd.AddCommand(rotateCmd)
}

func init() { rotateCmdInit() }
