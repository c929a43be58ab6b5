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

var copyKeyFileFlag string

var copyCmd = &cobra.Command{
	Use:   "copy <src> <dst>",
	Short: "Write a compacted copy of a store file",
	Long: `Write a compacted copy of a store to a new path, optionally re-keyed.

The source key comes from --key-file or the key_file setting; the
destination key from --dest-key-file. Omitting --dest-key-file writes an
unencrypted copy. Fails if the destination exists.

Examples:
  lodestore copy data.lodestore backup.lodestore
  lodestore copy --dest-key-file new.bin data.lodestore encrypted.lodestore`,
	Args: cobra.ExactArgs(2),
	RunE: runCopy,
}

func init() {
	copyCmd.Flags().StringVar(&keyFileFlag, "key-file", "", "path to the source's 64-byte encryption key file")
	copyCmd.Flags().StringVar(&copyKeyFileFlag, "dest-key-file", "", "path to the destination's 64-byte encryption key file")
	rootCmd.AddCommand(copyCmd)
}

func runCopy(cmd *cobra.Command, args []string) error {
	src, dst := args[0], args[1]

	var destKey []byte
	if copyKeyFileFlag != "" {
		var err error
		destKey, err = os.ReadFile(copyKeyFileFlag)
		if err != nil {
			return fmt.Errorf("read key file %s: %w", copyKeyFileFlag, err)
		}
	}

	inst, err := openStore(src, true)
	if err != nil {
		return err
	}
	defer inst.Close()

	if err := inst.WriteCopy(cmd.Context(), dst, destKey); err != nil {
		return err
	}
	fmt.Printf("Copied %s -> %s\n", inst.Path(), dst)
	return nil
}
