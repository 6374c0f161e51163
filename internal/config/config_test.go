package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	snackerrors "github.com/f4ah6o/site-snacker-go/internal/errors"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "tmp", cfg.Directories.Base)
	assert.Equal(t, filepath.Join("tmp", "media-registry.json"), cfg.Registry.Path)
	assert.True(t, cfg.Registry.AutoSave)
	assert.True(t, cfg.Registry.Backup)
	assert.Equal(t, 0.00765, cfg.OpenAI.Pricing.Vision.PerImage)
	assert.Equal(t, filepath.Join("output", "processed"), cfg.Directories.ProcessedDir())
	assert.Equal(t, filepath.Join("output", "merged"), cfg.Directories.MergedDir())
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "site-snacker.config.yml")
	content := `
processor:
  image:
    model: gpt-4o
fetcher:
  timeout_ms: 5000
  challenge_markers:
    - "Please stand by"
sitemap:
  parallel: true
  max_concurrent: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cfg.Processor.Image.Model)
	assert.Equal(t, 300, cfg.Processor.Image.MaxTokens, "unset fields keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Fetcher.GetTimeout())
	assert.Equal(t, []string{"Please stand by"}, cfg.Fetcher.ChallengeMarkers)
	assert.True(t, cfg.Sitemap.Parallel)
	assert.Equal(t, 5, cfg.Sitemap.GetMaxConcurrent())
	assert.Equal(t, "whisper-1", cfg.Processor.Audio.Model)
}

func TestLoad_TOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "site-snacker.config.toml")
	content := `
[directories]
base = "cache"

[registry]
path = "cache/registry.json"

[fetcher.cloudflare]
wait_time_ms = 1500
timeout_ms = 9000
auto_detect = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cache", cfg.Directories.Base)
	assert.Equal(t, "cache/registry.json", cfg.Registry.Path)
	assert.False(t, cfg.Fetcher.Cloudflare.AutoDetect)
	assert.Equal(t, 1500*time.Millisecond, cfg.Fetcher.Cloudflare.GetChallengeWait())
	assert.Equal(t, 9*time.Second, cfg.Fetcher.Cloudflare.GetChallengeTimeout())
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
		require.Error(t, err)
		assert.True(t, snackerrors.Is(err, snackerrors.ErrConfig))
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yml")
		require.NoError(t, os.WriteFile(path, []byte("fetcher: [unclosed"), 0644))
		_, err := Load(path)
		require.Error(t, err)
		assert.True(t, snackerrors.Is(err, snackerrors.ErrConfig))
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invalid.yml")
		require.NoError(t, os.WriteFile(path, []byte("sitemap:\n  parallel: true\n  max_concurrent: 0\n"), 0644))
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_concurrent")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero timeout", func(c *Config) { c.Fetcher.TimeoutMs = 0 }, "timeout_ms"},
		{"negative price", func(c *Config) { c.OpenAI.Pricing.Audio.PerMinute = -1 }, "pricing"},
		{"empty image model", func(c *Config) { c.Processor.Image.Model = "" }, "processor.image.model"},
		{"warn above stop", func(c *Config) {
			c.CostTracking.WarnThreshold = 2
			c.CostTracking.StopThreshold = 1
		}, "warn_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAPIKey(t *testing.T) {
	t.Setenv(APIKeyEnv, "")
	_, err := APIKey()
	require.Error(t, err)
	assert.True(t, snackerrors.Is(err, snackerrors.ErrMissingAPIKey))

	t.Setenv(APIKeyEnv, "sk-test")
	key, err := APIKey()
	require.NoError(t, err)
	assert.Equal(t, "sk-test", key)
}
