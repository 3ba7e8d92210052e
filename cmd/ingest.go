// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var chapterTitle string

// ingestCmd encrypts a directory of images into the vault as one chapter.
var ingestCmd = &cobra.Command{
	Use:   "ingest chapter_id image_dir",
	Short: "Encrypt a directory of image pages into the vault",
	Args:  cobra.ExactArgs(2),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return rootCmdLoadConfig()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		chapterID, imageDir := args[0], args[1]

		images, err := readImageDir(imageDir)
		if err != nil {
			return err
		}
		if len(images) == 0 {
			return fmt.Errorf("no image files found under %s", imageDir)
		}

		session, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer session.Close()

		meta, err := session.IngestChapter(cmd.Context(), chapterID, chapterTitle, images)
		if err != nil {
			return err
		}
		slog.Info("ingest complete", "pages", len(meta.ImageIDs))
		return nil
	},
}

func ingestCmdInit() {
	ingestCmd.Flags().StringVar(&chapterTitle, "title", "", "Chapter title stored in the encrypted metadata")
	rootCmd.AddCommand(ingestCmd)
}

func init() { ingestCmdInit() }

// readImageDir loads page images sorted by filename.
func readImageDir(dir string) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read image directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	images := make([][]byte, 0, len(names))
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read page image %s: %w", name, err)
		}
		images = append(images, b)
	}
	return images, nil
}
