// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"
)

var (
	dataDir  string
	userID   string
	debug    bool
	logLevel slog.LevelVar
)

var rootCmd = &cobra.Command{
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Use:   "lalona-vault",
	Short: "On-device encrypted vault for paginated image content",
	Long: `lalona-vault keeps chapters of image pages encrypted at rest under a
	device-bound key hierarchy. Raw image bytes never persist unencrypted;
	during reading they are materialized only briefly in RAM and wiped on
	every lifecycle boundary.
`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmdInit()
}

func rootCmdInit() {
	rootCmd.PersistentFlags().Bool("debug", false, "Print debug contents")
	rootCmd.PersistentFlags().String("data-dir", "", "Documents base the vault roots live under")
	rootCmd.PersistentFlags().String("user", "", "User id folded into root key derivation")
	rootCmd.PersistentFlags().String("config", "", "Path to a configuration file")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("storage.data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path != "" {
			viper.SetConfigFile(path)
			if err := viper.ReadInConfig(); err != nil {
				return err
			}
		}
		return nil
	}
}

// Initialize configuration state from viper. Enforce required values are
// present. Called by the subcommands after flags are bound and the
// configuration file is loaded.
func rootCmdLoadConfig() error {
	cfg, err := loadVaultConfig()
	if err != nil {
		return err
	}
	dataDir = cfg.Storage.DataDir
	userID = cfg.UserID
	debug = viper.GetBool("debug")
	if debug {
		logLevel.Set(slog.LevelDebug)
	}
	return nil
}
