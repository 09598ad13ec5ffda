// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvFile_MissingFileIsNotAnError(t *testing.T) {
	require.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "does-not-exist.env")))
}

func TestLoadEnvFile_SetsUnquotedAndQuotedValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "" +
		"# a comment\n" +
		"\n" +
		"VFGW_TEST_PLAIN=hello\n" +
		`VFGW_TEST_DOUBLE="line one\nline two"` + "\n" +
		"VFGW_TEST_SINGLE='raw\\nvalue'\n" +
		"export VFGW_TEST_EXPORTED=yes\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	os.Unsetenv("VFGW_TEST_PLAIN")
	os.Unsetenv("VFGW_TEST_DOUBLE")
	os.Unsetenv("VFGW_TEST_SINGLE")
	os.Unsetenv("VFGW_TEST_EXPORTED")

	require.NoError(t, LoadEnvFile(path))

	assert.Equal(t, "hello", os.Getenv("VFGW_TEST_PLAIN"))
	assert.Equal(t, "line one\nline two", os.Getenv("VFGW_TEST_DOUBLE"))
	assert.Equal(t, `raw\nvalue`, os.Getenv("VFGW_TEST_SINGLE"))
	assert.Equal(t, "yes", os.Getenv("VFGW_TEST_EXPORTED"))
}

func TestLoadEnvFile_NeverOverwritesExistingEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("VFGW_TEST_PRESET=from_file\n"), 0o600))

	t.Setenv("VFGW_TEST_PRESET", "from_environment")
	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "from_environment", os.Getenv("VFGW_TEST_PRESET"))
}
