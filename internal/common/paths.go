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

package common

import (
	"path/filepath"
)

// CanonicalPath normalizes path into the uniqueness key used by the session
// registry and the instance cache: absolute, cleaned, with symlinks in the
// parent directory resolved. The file itself may not exist yet, so only the
// directory component is resolved through the filesystem.
//
// Identification is by path, not by filesystem identity (device/inode). Two
// hard links to the same file are treated as distinct stores; this mirrors
// the original design and is covered by an explicit test rather than
// silently strengthened.
func CanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	dir, base := filepath.Split(abs)
	resolved, err := filepath.EvalSymlinks(filepath.Clean(dir))
	if err != nil {
		// Parent directory missing: keep the cleaned absolute path so the
		// engine reports the not-found condition, not this helper.
		return filepath.Clean(abs), nil
	}
	return filepath.Join(resolved, base), nil
}

// InMemoryPath returns the cache key for an in-memory store. In-memory
// stores have no filesystem presence, so the identifier itself is the key.
func InMemoryPath(identifier string) string {
	return "mem://" + identifier
}
