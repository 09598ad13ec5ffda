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

const validKey1 = "AIza" + "0123456789012345678901234567890"
const validKey2 = "AIza" + "abcdefghijABCDEFGHIJabcdefghijAB"

func TestLoadKeyPool_FromFile_DedupesPreservingOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.txt")
	content := validKey1 + "\n" + validKey2 + "\n" + validKey1 + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	keys, err := LoadKeyPool(path, "VFGW_TEST_KEYS", "VFGW_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, []string{validKey1, validKey2}, keys)
}

func TestLoadKeyPool_FromEnvList_CommaDelimited(t *testing.T) {
	t.Setenv("VFGW_TEST_KEYS", validKey1+","+validKey2)
	keys, err := LoadKeyPool("", "VFGW_TEST_KEYS", "VFGW_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, []string{validKey1, validKey2}, keys)
}

func TestLoadKeyPool_FromSingleEnv(t *testing.T) {
	t.Setenv("VFGW_TEST_KEY", validKey1)
	keys, err := LoadKeyPool("", "VFGW_TEST_KEYS_UNSET", "VFGW_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, []string{validKey1}, keys)
}

func TestLoadKeyPool_RejectsMalformedToken(t *testing.T) {
	t.Setenv("VFGW_TEST_KEY", "not-a-valid-key")
	_, err := LoadKeyPool("", "VFGW_TEST_KEYS_UNSET", "VFGW_TEST_KEY")
	assert.Error(t, err)
}

func TestLoadKeyPool_NoSourceConfigured(t *testing.T) {
	_, err := LoadKeyPool("", "VFGW_TEST_KEYS_UNSET_A", "VFGW_TEST_KEYS_UNSET_B")
	assert.Error(t, err)
}
