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

	"lodestore/internal/store"
)

// keyFileFlag is shared by the commands that accept an encryption key.
// An explicit --key-file wins over the key_file setting.
var keyFileFlag string

func resolveKey() ([]byte, error) {
	if keyFileFlag != "" {
		key, err := os.ReadFile(keyFileFlag)
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", keyFileFlag, err)
		}
		return key, nil
	}
	return cliSettings.EncryptionKey()
}

// openStore opens path in dynamic mode: the CLI has no compiled-in schema
// and must take whatever layout the file carries.
func openStore(path string, readOnly bool) (*store.Instance, error) {
	key, err := resolveKey()
	if err != nil {
		return nil, err
	}
	return store.Open(store.Config{
		Path:          path,
		ReadOnly:      readOnly,
		Dynamic:       true,
		EncryptionKey: key,
		DisableCache:  true,
		BusyTimeout:   cliSettings.BusyTimeout,
	})
}
