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

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"lodestore/internal/settings"
)

var (
	settingsLogLevel    string
	settingsBusyTimeout int
	settingsKeyFile     string
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change global settings",
	Long: `Show the global settings, or change them with flags.

Settings live in settings.yaml under the config directory
(LODESTORE_CONFIG_DIR, default ~/.lodestore).

Examples:
  lodestore settings
  lodestore settings --log-level debug
  lodestore settings --busy-timeout 60000`,
	Args: cobra.NoArgs,
	RunE: runSettings,
}

func init() {
	settingsCmd.Flags().StringVar(&settingsLogLevel, "log-level", "", "log level: trace, debug, info, warn, off")
	settingsCmd.Flags().IntVar(&settingsBusyTimeout, "busy-timeout", -1, "SQLite busy_timeout in milliseconds, 0 = engine default")
	settingsCmd.Flags().StringVar(&settingsKeyFile, "key-file", "", "default encryption key file for CLI opens")
	rootCmd.AddCommand(settingsCmd)
}

func runSettings(cmd *cobra.Command, args []string) error {
	changed := false
	if cmd.Flags().Changed("log-level") {
		cliSettings.LogLevel = settingsLogLevel
		changed = true
	}
	if cmd.Flags().Changed("busy-timeout") {
		cliSettings.BusyTimeout = settingsBusyTimeout
		changed = true
	}
	if cmd.Flags().Changed("key-file") {
		cliSettings.KeyFile = settingsKeyFile
		changed = true
	}
	if changed {
		if err := settings.SaveGlobalSettings(cliSettings); err != nil {
			return err
		}
	}

	fmt.Printf("Settings file: %s\n", settings.GlobalSettingsPath())
	fmt.Printf("log_level: %s\n", cliSettings.LogLevel)
	fmt.Printf("busy_timeout: %d\n", cliSettings.BusyTimeout)
	fmt.Printf("key_file: %s\n", cliSettings.KeyFile)
	if cliSettings.SyncServerURL != "" {
		fmt.Printf("sync_server_url: %s\n", cliSettings.SyncServerURL)
	}
	return nil
}
