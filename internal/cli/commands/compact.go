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
)

var compactCmd = &cobra.Command{
	Use:   "compact <path>",
	Short: "Rewrite a store file to its minimal size",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompact,
}

func init() {
	compactCmd.Flags().StringVar(&keyFileFlag, "key-file", "", "path to a 64-byte encryption key file")
	rootCmd.AddCommand(compactCmd)
}

func runCompact(cmd *cobra.Command, args []string) error {
	path := args[0]
	before, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("store not found: %s", path)
	}

	inst, err := openStore(path, false)
	if err != nil {
		return err
	}
	defer inst.Close()

	ok, err := inst.Compact(cmd.Context())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("compact %s: store is busy", path)
	}

	after, err := os.Stat(path)
	if err != nil {
		return err
	}
	fmt.Printf("Compacted %s: %d -> %d bytes\n", inst.Path(), before.Size(), after.Size())
	return nil
}
