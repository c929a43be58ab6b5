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

import "errors"

// The recoverable error taxonomy. Every engine-level failure is translated
// into exactly one of these sentinels at the engine boundary; higher layers
// match with errors.Is and never re-wrap into a different kind.
var (
	ErrPermissionDenied      = errors.New("permission denied")
	ErrNotFound              = errors.New("file not found")
	ErrExists                = errors.New("file already exists")
	ErrAccess                = errors.New("file access error")
	ErrIncompatibleLockFile  = errors.New("incompatible lock file")
	ErrFormatUpgradeRequired = errors.New("file format upgrade required")
	ErrGeneric               = errors.New("operation failed")
)

// IsRecoverable reports whether err belongs to the recoverable taxonomy.
// Programmer errors (configuration conflicts, cross-goroutine access,
// use-after-detach) are deliberately not part of this set.
func IsRecoverable(err error) bool {
	for _, kind := range []error{
		ErrPermissionDenied,
		ErrNotFound,
		ErrExists,
		ErrAccess,
		ErrIncompatibleLockFile,
		ErrFormatUpgradeRequired,
		ErrGeneric,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
