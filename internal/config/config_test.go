package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.Timeout())
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := Default()
	cfg.Server.URL = "wss://seg.example.com/ws"
	cfg.Output.Format = "webp"
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"url": "ws://10.0.0.2:9000"}}`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.2:9000", cfg.Server.URL)
	assert.Equal(t, 60.0, cfg.Server.TimeoutSeconds)
	assert.Equal(t, "png", cfg.Output.Format)
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0644))
	_, err = LoadFromFile(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("SEGMENTER_VISION_MODEL=llava:13b\nSEGMENTER_TIMEOUT=1m30s\n"), 0644))
	t.Setenv("SEGMENTER_URL", "ws://gpu-box:9000")
	t.Setenv("SEGMENTER_FORMAT", "WEBP")
	// godotenv never overrides variables that are already set
	unsetenv(t, "SEGMENTER_VISION_MODEL")
	unsetenv(t, "SEGMENTER_TIMEOUT")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(envFile))
	assert.Equal(t, "ws://gpu-box:9000", cfg.Server.URL)
	assert.Equal(t, "webp", cfg.Output.Format)
	assert.Equal(t, "llava:13b", cfg.Vision.Model)
	assert.Equal(t, 90.0, cfg.Server.TimeoutSeconds)
}

func TestSubSecondTimeout(t *testing.T) {
	cfg := Default()
	cfg.Server.TimeoutSeconds = 0.5
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500*time.Millisecond, cfg.Timeout())

	t.Setenv("SEGMENTER_TIMEOUT", "1500ms")
	require.NoError(t, cfg.ApplyEnv(filepath.Join("testdata", "empty.env")))
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout())

	t.Setenv("SEGMENTER_TIMEOUT", "2.25")
	require.NoError(t, cfg.ApplyEnv(filepath.Join("testdata", "empty.env")))
	assert.Equal(t, 2250*time.Millisecond, cfg.Timeout())
}

func TestApplyEnv_BadTimeout(t *testing.T) {
	t.Setenv("SEGMENTER_TIMEOUT", "soon")
	cfg := Default()
	assert.Error(t, cfg.ApplyEnv(filepath.Join("testdata", "empty.env")))
}

func TestApplyEnv_MissingFile(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ApplyEnv(filepath.Join(t.TempDir(), "nope.env")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"http url", func(c *Config) { c.Server.URL = "http://localhost:9000" }},
		{"zero timeout", func(c *Config) { c.Server.TimeoutSeconds = 0 }},
		{"empty viewport", func(c *Config) { c.Viewport.Width = 0 }},
		{"format", func(c *Config) { c.Output.Format = "bmp" }},
		{"quality", func(c *Config) { c.Output.Quality = 101 }},
		{"opacity", func(c *Config) { c.Output.OverlayOpacity = 1.5 }},
		{"backend", func(c *Config) { c.Vision.Enabled = true; c.Vision.Backend = "openai" }},
		{"model", func(c *Config) { c.Vision.Enabled = true; c.Vision.Model = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// unsetenv clears key for the test and restores it afterwards
func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}
