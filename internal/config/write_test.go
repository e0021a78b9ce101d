// internal/config/write_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "konvert", "config.toml")

	err := WriteDefault(path)
	require.NoError(t, err, "WriteDefault failed")

	content, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read written file")

	assert.Contains(t, string(content), "[general]")
	assert.Contains(t, string(content), "[backends.flac]")
	assert.Contains(t, string(content), "${AWS_ACCESS_KEY_ID:-}")
}

func TestWriteDefault_Loads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mp3", cfg.General.DefaultProfile)
	assert.Nil(t, cfg.Fetch.S3)
	assert.NotEmpty(t, cfg.Backends)
}

func TestWriteDefault_CreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "config.toml")

	require.NoError(t, WriteDefault(path))

	_, err := os.Stat(path)
	assert.False(t, os.IsNotExist(err), "file was not created")
}

func TestWriteDefault_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[general]\n"), 0644))

	err := WriteDefault(path)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestConfig_WriteRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.General.Jobs = 7
	cfg.Output.Dir = "/media/converted"

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, cfg.Write(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.General.Jobs)
	assert.Equal(t, "/media/converted", loaded.Output.Dir)
	require.Len(t, loaded.Backends["flac"].Trunks, 2)
	assert.Equal(t, cfg.Backends["flac"].Trunks[0].Args, loaded.Backends["flac"].Trunks[0].Args)
}
