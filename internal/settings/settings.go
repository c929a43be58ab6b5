// Copyright 2025 Lodestore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package settings loads the CLI's global configuration from the config
// directory (settings.yaml), falling back to embedded defaults.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"lodestore/internal/artifacts"
)

// getConfigDir returns the config directory path.
// Uses LODESTORE_CONFIG_DIR env var if set, otherwise defaults to ~/.lodestore.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("LODESTORE_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lodestore")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// GlobalSettingsPath returns the global settings file path
func GlobalSettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir initializes the config directory with default files
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	settingsPath := GlobalSettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// GlobalSettings represents global CLI settings
type GlobalSettings struct {
	LogLevel      string `yaml:"log_level"`       // Log level: trace, debug, info, warn, off (default: off)
	BusyTimeout   int    `yaml:"busy_timeout"`    // SQLite busy_timeout (ms), 0 = engine default
	KeyFile       string `yaml:"key_file"`        // Path to a 64-byte encryption key file
	SyncServerURL string `yaml:"sync_server_url"` // Default sync endpoint
	SyncIdentity  string `yaml:"sync_identity"`
	SyncSignature string `yaml:"sync_signature"`
}

// loadDefaultGlobalSettings parses default settings from embedded artifact.
func loadDefaultGlobalSettings() GlobalSettings {
	var settings GlobalSettings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded global settings: " + err.Error())
	}
	return settings
}

// LoadGlobalSettings loads the global settings from the config directory.
// Always reads from file to get latest config. Falls back to embedded
// defaults if the file doesn't exist.
func LoadGlobalSettings() (*GlobalSettings, error) {
	data, err := os.ReadFile(GlobalSettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			settings := loadDefaultGlobalSettings()
			return &settings, nil
		}
		return nil, err
	}

	var settings GlobalSettings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// SaveGlobalSettings saves the global settings to the config directory.
func SaveGlobalSettings(settings *GlobalSettings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	// Same header as the embedded template.
	header := []byte("# Lodestore settings\n# See: lodestore settings --help\n\n")
	return os.WriteFile(GlobalSettingsPath(), append(header, data...), 0600)
}

// EncryptionKey reads the configured key file, if any.
func (s *GlobalSettings) EncryptionKey() ([]byte, error) {
	if s.KeyFile == "" {
		return nil, nil
	}
	key, err := os.ReadFile(s.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", s.KeyFile, err)
	}
	return key, nil
}
