// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// statusCmd lists the catalog's non-secret bookkeeping rows.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List stored chapters and their key versions",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return rootCmdLoadConfig()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer session.Close()

		rows, err := session.ListChapters()
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("vault is empty")
			return nil
		}
		for _, row := range rows {
			fmt.Printf("%s\t%-16s\tpages=%d\tkey_version=%d\tcreated=%s\n",
				row.DirHash[:12], row.TitleHint, row.Pages, row.KeyVersion,
				row.CreatedAt.Format("2006-01-02"))
		}
		return nil
	},
}

func statusCmdInit() {
	rootCmd.AddCommand(statusCmd)
}

func init() { statusCmdInit() }
