// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/orihimee/lalona-vault/internal/devicebind"
	"github.com/orihimee/lalona-vault/internal/guard"
	"github.com/orihimee/lalona-vault/internal/keystore"
	"github.com/orihimee/lalona-vault/vault"
)

// Log configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Storage configuration: where the vault roots live and which credential
// backend holds the device salt.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
	// Keystore selects the credential backend ("keyring" or "file").
	Keystore string `mapstructure:"keystore"`
	// RawParams carries backend-specific settings; decoded per backend.
	RawParams map[string]interface{} `mapstructure:"params"`

	KeyringParams *KeyringParams
	FileParams    *FileKeystoreParams
}

// KeyringParams configures the OS-keyring backend.
type KeyringParams struct {
	Service string `mapstructure:"service"`
}

// FileKeystoreParams configures the file-backed fallback.
type FileKeystoreParams struct {
	Dir string `mapstructure:"dir"`
}

// Security configuration for the boot gate.
type SecurityConfig struct {
	// DisableGuard skips the environmental checks. Development only.
	DisableGuard bool `mapstructure:"disable_guard"`
	// ExpectedSignature is the build-embedded signing fingerprint.
	ExpectedSignature string `mapstructure:"expected_signature"`
}

// Structure holding the contents of the configuration file.
type VaultConfig struct {
	Log      LogConfig      `mapstructure:"log"`
	UserID   string         `mapstructure:"user"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Security SecurityConfig `mapstructure:"security"`
}

// UnmarshalParams converts RawParams to the appropriate typed parameter
// field based on the selected keystore backend. This must be called after
// Viper unmarshaling.
func (s *StorageConfig) UnmarshalParams() error {
	switch s.Keystore {
	case "", "keyring":
		params := KeyringParams{}
		if s.RawParams != nil {
			if err := mapstructure.Decode(s.RawParams, &params); err != nil {
				return fmt.Errorf("failed to decode params for keyring keystore: %w", err)
			}
		}
		s.KeyringParams = &params

	case "file":
		params := FileKeystoreParams{}
		if s.RawParams != nil {
			if err := mapstructure.Decode(s.RawParams, &params); err != nil {
				return fmt.Errorf("failed to decode params for file keystore: %w", err)
			}
		}
		s.FileParams = &params

	default:
		return fmt.Errorf("unsupported keystore type %q (supported: keyring, file)", s.Keystore)
	}

	// Clear RawParams to save memory
	s.RawParams = nil
	return nil
}

func (s *StorageConfig) validate() error {
	if s.DataDir == "" {
		return errors.New("the vault data directory is required (--data-dir)")
	}
	if !filepath.IsAbs(s.DataDir) {
		return fmt.Errorf("data directory must be an absolute path, got %q", s.DataDir)
	}
	return s.UnmarshalParams()
}

func (c *VaultConfig) validate() error {
	if c.UserID == "" {
		return errors.New("a user id is required (--user)")
	}
	return c.Storage.validate()
}

func loadVaultConfig() (*VaultConfig, error) {
	var cfg VaultConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// sessionConfig assembles the vault session collaborators from the
// validated configuration.
func (c *VaultConfig) sessionConfig() vault.Config {
	cfg := vault.Config{
		BaseDir:      c.Storage.DataDir,
		DeviceSource: devicebind.HostSource{},
		DisableGuard: c.Security.DisableGuard,
	}
	if c.Security.ExpectedSignature != "" {
		cfg.Guard = &guard.Config{ExpectedSignature: c.Security.ExpectedSignature}
	}
	switch {
	case c.Storage.FileParams != nil:
		dir := c.Storage.FileParams.Dir
		if dir == "" {
			dir = filepath.Join(c.Storage.DataDir, ".ls_m", "ks")
		}
		cfg.Keystore = keystore.FileStore{Dir: dir}
	case c.Storage.KeyringParams != nil:
		cfg.Keystore = keystore.Keyring{Service: c.Storage.KeyringParams.Service}
	}
	return cfg
}
