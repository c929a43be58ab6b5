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
	"os"

	"github.com/spf13/cobra"

	"lodestore/internal/store"
)

var infoCmd = &cobra.Command{
	Use:   "info <path>",
	Short: "Show layout and object counts of a store file",
	Long: `Open a store file and print its schema version, object types,
properties and per-type object counts.

Examples:
  lodestore info data.lodestore
  lodestore info --key-file key.bin data.lodestore`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func init() {
	infoCmd.Flags().StringVar(&keyFileFlag, "key-file", "", "path to a 64-byte encryption key file")
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("store not found: %s", path)
	}

	inst, err := openStore(path, true)
	if err != nil {
		return err
	}
	defer inst.Close()

	key, err := resolveKey()
	if err != nil {
		return err
	}
	version, err := store.SchemaVersion(store.Config{Path: path, ReadOnly: true, EncryptionKey: key})
	if err != nil {
		return err
	}

	fmt.Printf("Path: %s\n", inst.Path())
	fmt.Printf("Schema version: %d\n", version)
	fmt.Printf("Object types: %d\n", len(inst.Schema().Objects))
	for _, obj := range inst.Schema().Objects {
		count, err := inst.Count(cmd.Context(), obj.Name)
		if err != nil {
			return err
		}
		fmt.Printf("  %s: %d objects\n", obj.Name, count)
		for _, p := range obj.Properties {
			optional := ""
			if p.Optional {
				optional = " (optional)"
			}
			fmt.Printf("    %s %s%s\n", p.Name, p.Type, optional)
		}
	}
	return nil
}
