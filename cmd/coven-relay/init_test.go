// ABOUTME: Tests for interactive setup
// ABOUTME: Feeds answers on a reader and loads the written file back through config.Load

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
)

func TestRunInit_WritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coven", "relay.yaml")
	t.Setenv("MATRIX_ACCESS_TOKEN", "syt_secret")

	answers := strings.Join([]string{
		"https://matrix.example.org",
		"@relay:example.org",
		"", // keep ${MATRIX_ACCESS_TOKEN}
		"",
		"@me:example.org, @you:example.org",
		dir,
		"sonnet",
		"acceptEdits",
	}, "\n") + "\n"

	require.NoError(t, runInit(strings.NewReader(answers), path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://matrix.example.org", cfg.Matrix.Homeserver)
	assert.Equal(t, "@relay:example.org", cfg.Matrix.UserID)
	assert.Equal(t, "syt_secret", cfg.Matrix.AccessToken)
	assert.False(t, cfg.Matrix.E2EE())
	assert.Equal(t, []string{"@me:example.org", "@you:example.org"}, cfg.Matrix.AllowedUsers)
	assert.Equal(t, dir, cfg.Agent.WorkingDir)
	assert.Equal(t, "sonnet", cfg.Agent.Model)
	assert.Equal(t, "acceptEdits", cfg.Agent.PermissionMode)
	assert.True(t, cfg.Matrix.Typing())
}

func TestRunInit_KeepsExistingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0600))

	require.NoError(t, runInit(strings.NewReader("\n"), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestRenderInitConfig_Header(t *testing.T) {
	data, err := renderInitConfig(initAnswers{Homeserver: "https://hs", PermissionMode: "default"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# coven-relay configuration\n"))
	assert.Contains(t, string(data), "homeserver: https://hs")
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b ,"))
	assert.Nil(t, splitList(""))
}
