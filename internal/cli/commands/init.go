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

var initCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Create an empty store file",
	Long: `Create a new empty store file at the given path.

The file is initialized with the current container format and schema
version 0. Fails if the path already exists.

Examples:
  lodestore init data.lodestore
  lodestore init --key-file key.bin data.lodestore`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&keyFileFlag, "key-file", "", "path to a 64-byte encryption key file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	inst, err := openStore(path, false)
	if err != nil {
		return err
	}
	if err := inst.Close(); err != nil {
		return err
	}
	fmt.Printf("Created %s\n", inst.Path())
	return nil
}
