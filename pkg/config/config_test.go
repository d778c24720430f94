package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	path := writeConfig(t, "remote:\n  baseURL: https://api.example.test\n")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.test", cfg.Remote.BaseURL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Assets.Store)
	assert.Equal(t, []string{
		"https://cdn.plot.ly/plotly-2.35.2.min.js",
		"https://cdn.jsdelivr.net/npm/apexcharts",
	}, cfg.Assets.URLs)
	assert.InDelta(t, 0.1, cfg.Render.VisibilityThreshold, 1e-9)
	assert.Equal(t, 5, cfg.Render.NotificationTTLSec)
}

func TestLoadFile_Overrides(t *testing.T) {
	path := writeConfig(t, `
remote:
  baseURL: https://api.example.test
assets:
  store: sqlite
  urls:
    - https://cdn.example.test/lib-a.js
  integrity:
    - url: https://cdn.example.test/lib-a.js
      sha256: ABC123
render:
  visibilityThreshold: 0.5
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Assets.Store)
	assert.Equal(t, []string{"https://cdn.example.test/lib-a.js"}, cfg.Assets.URLs)
	assert.Equal(t, "abc123", cfg.Assets.Pins()["https://cdn.example.test/lib-a.js"])
	assert.InDelta(t, 0.5, cfg.Render.VisibilityThreshold, 1e-9)
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown store", "assets:\n  store: memcached\n"},
		{"threshold out of range", "render:\n  visibilityThreshold: 1.5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
