// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var readOutPath string

// readCmd decrypts one page to a file. This is the CLI stand-in for the
// UI sink: the page transits the full decryptor program and live-buffer
// registry before the plaintext is written out.
var readCmd = &cobra.Command{
	Use:   "read chapter_id page_index",
	Short: "Decrypt one page of a chapter to a file",
	Args:  cobra.ExactArgs(2),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return rootCmdLoadConfig()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		chapterID := args[0]
		pageIdx, err := strconv.Atoi(args[1])
		if err != nil || pageIdx < 0 {
			return fmt.Errorf("invalid page index %q", args[1])
		}
		if readOutPath == "" {
			return fmt.Errorf("an output path is required (--out)")
		}

		session, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer session.Close()

		if err := session.OpenChapter(cmd.Context(), chapterID); err != nil {
			return err
		}
		page, err := session.LoadPage(cmd.Context(), pageIdx)
		if err != nil {
			return err
		}
		defer session.ReleasePage(pageIdx)

		err = page.WithPlain(func(data []byte) error {
			return os.WriteFile(readOutPath, data, 0o600)
		})
		if err != nil {
			return err
		}
		slog.Info("page written", "page", pageIdx)
		return nil
	},
}

func readCmdInit() {
	readCmd.Flags().StringVarP(&readOutPath, "out", "o", "", "Path the decrypted page is written to")
	rootCmd.AddCommand(readCmd)
}

func init() { readCmdInit() }
