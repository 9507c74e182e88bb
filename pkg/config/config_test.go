package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesPartialKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xdt.ini")
	contents := "[xdt]\nwindow = 3\nt2_ms = 2000\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Window)
	assert.Equal(t, 2*time.Second, cfg.T2)
	// Unset keys fall back to defaults.
	assert.Equal(t, Default().T1, cfg.T1)
	assert.Equal(t, Default().MaxConnections, cfg.MaxConnections)
}

func TestLoadMissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.Error(t, err)
}
