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

package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("LODESTORE_CONFIG_DIR", "")
		os.Unsetenv("LODESTORE_CONFIG_DIR")
		dir := ConfigDir()
		assert.NotEmpty(t, dir)
		assert.True(t, strings.HasSuffix(dir, ".lodestore"), "should end with .lodestore")
	})

	t.Run("override with LODESTORE_CONFIG_DIR", func(t *testing.T) {
		t.Setenv("LODESTORE_CONFIG_DIR", "/tmp/test-lodestore-config")
		assert.Equal(t, "/tmp/test-lodestore-config", ConfigDir())
	})
}

func TestInitConfigDir(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "cfg")
	t.Setenv("LODESTORE_CONFIG_DIR", tmpDir)

	require.NoError(t, InitConfigDir())

	data, err := os.ReadFile(GlobalSettingsPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "log_level")

	// Re-running must not clobber user edits.
	require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("log_level: debug\n"), 0o600))
	require.NoError(t, InitConfigDir())
	data, err = os.ReadFile(GlobalSettingsPath())
	require.NoError(t, err)
	assert.Equal(t, "log_level: debug\n", string(data))
}

func TestLoadGlobalSettings(t *testing.T) {
	t.Run("embedded defaults when file missing", func(t *testing.T) {
		t.Setenv("LODESTORE_CONFIG_DIR", filepath.Join(t.TempDir(), "empty"))
		s, err := LoadGlobalSettings()
		require.NoError(t, err)
		assert.Equal(t, "off", s.LogLevel)
		assert.Zero(t, s.BusyTimeout)
		assert.Empty(t, s.KeyFile)
	})

	t.Run("reads from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("LODESTORE_CONFIG_DIR", tmpDir)
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "settings.yaml"),
			[]byte("log_level: trace\nbusy_timeout: 60000\n"), 0o600))

		s, err := LoadGlobalSettings()
		require.NoError(t, err)
		assert.Equal(t, "trace", s.LogLevel)
		assert.Equal(t, 60000, s.BusyTimeout)
	})

	t.Run("malformed yaml is an error", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("LODESTORE_CONFIG_DIR", tmpDir)
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "settings.yaml"),
			[]byte("log_level: [unclosed"), 0o600))
		_, err := LoadGlobalSettings()
		assert.Error(t, err)
	})
}

func TestSaveGlobalSettings(t *testing.T) {
	t.Setenv("LODESTORE_CONFIG_DIR", filepath.Join(t.TempDir(), "cfg"))

	in := &GlobalSettings{LogLevel: "warn", BusyTimeout: 1234, KeyFile: "/keys/main.bin"}
	require.NoError(t, SaveGlobalSettings(in))

	out, err := LoadGlobalSettings()
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncryptionKey(t *testing.T) {
	t.Run("empty key file means no key", func(t *testing.T) {
		key, err := (&GlobalSettings{}).EncryptionKey()
		require.NoError(t, err)
		assert.Nil(t, key)
	})

	t.Run("reads configured file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "key.bin")
		require.NoError(t, os.WriteFile(path, []byte("raw-key-bytes"), 0o600))
		key, err := (&GlobalSettings{KeyFile: path}).EncryptionKey()
		require.NoError(t, err)
		assert.Equal(t, []byte("raw-key-bytes"), key)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := (&GlobalSettings{KeyFile: "/nope/missing.bin"}).EncryptionKey()
		assert.Error(t, err)
	})
}
