package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/rules"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 2600*time.Millisecond, c.DedupeWindow())
	assert.Equal(t, 4, c.Hook.RepairFailLimit)
	assert.True(t, c.Dedupe.Exempt.Eval(rules.Ctx{URL: "https://x.test/i/api/graphql/Q1/DeleteBookmark"}))
}

func TestLoad_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hookrelay.yaml")
	data := []byte(`
hook:
  mode: fetch
  repair: "off"
dedupe:
  windowMS: 1000
  exempt:
    anyOf:
      - type: url
        mode: contains
        pattern: /live/
extensions: []
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fetch", c.Hook.Mode)
	assert.Equal(t, "off", c.Hook.Repair)
	assert.Equal(t, time.Second, c.DedupeWindow())
	assert.Equal(t, 400, c.Dedupe.Capacity)
	assert.True(t, c.Dedupe.Exempt.Eval(rules.Ctx{URL: "https://x.test/live/feed"}))
	assert.Empty(t, c.Extensions)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hook:\n  mode: sometimes\n"), 0o600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "hook.mode")
}
