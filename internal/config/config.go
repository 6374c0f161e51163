// Package config loads the site-snacker configuration document.
//
// A single Config value is built once at process start and passed to every
// component constructor. YAML is the primary format; a file ending in .toml is
// decoded with the same field names.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	snackerrors "github.com/f4ah6o/site-snacker-go/internal/errors"
)

// APIKeyEnv is the environment variable holding the AI provider key.
const APIKeyEnv = "OPENAI_API_KEY"

// DefaultFiles are searched, in order, when no config path is given.
var DefaultFiles = []string{"site-snacker.config.yml", "site-snacker.config.yaml", "site-snacker.config.toml"}

// Config is the root configuration document.
type Config struct {
	OpenAI       OpenAIConfig       `yaml:"openai" toml:"openai"`
	Processor    ProcessorConfig    `yaml:"processor" toml:"processor"`
	Fetcher      FetcherConfig      `yaml:"fetcher" toml:"fetcher"`
	Directories  DirectoriesConfig  `yaml:"directories" toml:"directories"`
	Registry     RegistryConfig     `yaml:"registry" toml:"registry"`
	Sitemap      SitemapConfig      `yaml:"sitemap" toml:"sitemap"`
	CostTracking CostTrackingConfig `yaml:"cost_tracking" toml:"cost_tracking"`
}

// OpenAIConfig holds provider endpoint and price table settings.
type OpenAIConfig struct {
	BaseURL    string        `yaml:"base_url" toml:"base_url"`
	MaxRetries int           `yaml:"max_retries" toml:"max_retries"`
	Pricing    PricingConfig `yaml:"pricing" toml:"pricing"`
}

// PricingConfig is the USD price table used by the cost tracker.
type PricingConfig struct {
	Vision VisionPricing `yaml:"vision" toml:"vision"`
	Audio  AudioPricing  `yaml:"audio" toml:"audio"`
}

// VisionPricing prices a vision call per 1K tokens plus a flat fee per image.
type VisionPricing struct {
	InputPer1K  float64 `yaml:"input_per_1k" toml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" toml:"output_per_1k"`
	PerImage    float64 `yaml:"per_image" toml:"per_image"`
}

// AudioPricing prices a transcription per minute of audio.
type AudioPricing struct {
	PerMinute float64 `yaml:"per_minute" toml:"per_minute"`
}

// ProcessorConfig configures media enrichment.
type ProcessorConfig struct {
	Image ImageConfig `yaml:"image" toml:"image"`
	Audio AudioConfig `yaml:"audio" toml:"audio"`
}

// ImageConfig configures image description.
type ImageConfig struct {
	Model       string `yaml:"model" toml:"model"`
	MaxTokens   int    `yaml:"max_tokens" toml:"max_tokens"`
	Prompt      string `yaml:"prompt" toml:"prompt"`
	Tag         string `yaml:"tag" toml:"tag"`
	ErrorPrefix string `yaml:"error_prefix" toml:"error_prefix"`
}

// AudioConfig configures audio transcription.
type AudioConfig struct {
	Model          string `yaml:"model" toml:"model"`
	Language       string `yaml:"language" toml:"language"`
	ResponseFormat string `yaml:"response_format" toml:"response_format"`
	Tag            string `yaml:"tag" toml:"tag"`
	ErrorPrefix    string `yaml:"error_prefix" toml:"error_prefix"`
}

// FetcherConfig configures page retrieval.
type FetcherConfig struct {
	TimeoutMs        int               `yaml:"timeout_ms" toml:"timeout_ms"`
	MaxRedirects     int               `yaml:"max_redirects" toml:"max_redirects"`
	MaxRetries       int               `yaml:"max_retries" toml:"max_retries"`
	RetryDelayMs     int               `yaml:"retry_delay_ms" toml:"retry_delay_ms"`
	Headers          map[string]string `yaml:"headers" toml:"headers"`
	ChallengeMarkers []string          `yaml:"challenge_markers" toml:"challenge_markers"`
	Cloudflare       CloudflareConfig  `yaml:"cloudflare" toml:"cloudflare"`
	Browser          BrowserConfig     `yaml:"browser" toml:"browser"`
	Cache            CacheConfig       `yaml:"cache" toml:"cache"`
}

// CloudflareConfig controls escalation to the browser strategy.
type CloudflareConfig struct {
	WaitTimeMs int  `yaml:"wait_time_ms" toml:"wait_time_ms"`
	TimeoutMs  int  `yaml:"timeout_ms" toml:"timeout_ms"`
	AutoDetect bool `yaml:"auto_detect" toml:"auto_detect"`
}

// BrowserConfig configures the headless browser.
type BrowserConfig struct {
	Viewport  ViewportConfig `yaml:"viewport" toml:"viewport"`
	UserAgent string         `yaml:"user_agent" toml:"user_agent"`
	Headless  bool           `yaml:"headless" toml:"headless"`
	ExecPath  string         `yaml:"exec_path" toml:"exec_path"`
}

// ViewportConfig is the emulated window size.
type ViewportConfig struct {
	Width  int `yaml:"width" toml:"width"`
	Height int `yaml:"height" toml:"height"`
}

// CacheConfig controls the on-disk HTML cache.
type CacheConfig struct {
	Enabled     bool     `yaml:"enabled" toml:"enabled"`
	SkipDomains []string `yaml:"skip_domains" toml:"skip_domains"`
}

// DirectoriesConfig is the on-disk layout.
type DirectoriesConfig struct {
	Base   string       `yaml:"base" toml:"base"`
	Media  string       `yaml:"media" toml:"media"`
	Output OutputConfig `yaml:"output" toml:"output"`
}

// OutputConfig locates final artifacts.
type OutputConfig struct {
	Base      string `yaml:"base" toml:"base"`
	Processed string `yaml:"processed" toml:"processed"`
	Merged    string `yaml:"merged" toml:"merged"`
}

// RegistryConfig configures the media registry.
type RegistryConfig struct {
	Path     string `yaml:"path" toml:"path"`
	AutoSave bool   `yaml:"auto_save" toml:"auto_save"`
	Backup   bool   `yaml:"backup" toml:"backup"`
}

// SitemapConfig configures sitemap expansion.
type SitemapConfig struct {
	AutoMerge     bool `yaml:"auto_merge" toml:"auto_merge"`
	Parallel      bool `yaml:"parallel" toml:"parallel"`
	MaxConcurrent int  `yaml:"max_concurrent" toml:"max_concurrent"`
	RespectRobots bool `yaml:"respect_robots" toml:"respect_robots"`
}

// CostTrackingConfig configures spend reporting and ceilings.
type CostTrackingConfig struct {
	Enabled       bool    `yaml:"enabled" toml:"enabled"`
	WarnThreshold float64 `yaml:"warn_threshold" toml:"warn_threshold"`
	StopThreshold float64 `yaml:"stop_threshold" toml:"stop_threshold"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		OpenAI: OpenAIConfig{
			MaxRetries: 3,
			Pricing: PricingConfig{
				Vision: VisionPricing{InputPer1K: 0.01, OutputPer1K: 0.03, PerImage: 0.00765},
				Audio:  AudioPricing{PerMinute: 0.006},
			},
		},
		Processor: ProcessorConfig{
			Image: ImageConfig{
				Model:       "gpt-4o-mini",
				MaxTokens:   300,
				Prompt:      "Describe this image in detail. The alt text is: {altText}",
				Tag:         "image_description",
				ErrorPrefix: "Error generating description for image",
			},
			Audio: AudioConfig{
				Model:          "whisper-1",
				Language:       "en",
				ResponseFormat: "text",
				Tag:            "audio_transcript",
				ErrorPrefix:    "Error generating transcription for audio",
			},
		},
		Fetcher: FetcherConfig{
			TimeoutMs:    30000,
			MaxRedirects: 5,
			MaxRetries:   3,
			RetryDelayMs: 1000,
			Cloudflare: CloudflareConfig{
				WaitTimeMs: 20000,
				TimeoutMs:  60000,
				AutoDetect: true,
			},
			Browser: BrowserConfig{
				Viewport:  ViewportConfig{Width: 1920, Height: 1080},
				UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
				Headless:  true,
			},
			Cache: CacheConfig{Enabled: true},
		},
		Directories: DirectoriesConfig{
			Base:  "tmp",
			Media: "media",
			Output: OutputConfig{
				Base:      "output",
				Processed: "processed",
				Merged:    "merged",
			},
		},
		Registry: RegistryConfig{
			Path:     filepath.Join("tmp", "media-registry.json"),
			AutoSave: true,
			Backup:   true,
		},
		Sitemap: SitemapConfig{
			AutoMerge:     true,
			MaxConcurrent: 3,
		},
		CostTracking: CostTrackingConfig{
			Enabled: true,
		},
	}
}

// Load reads the configuration at path over the defaults.
// An empty path searches DefaultFiles in the working directory and falls back
// to Default when none exists. An explicit path that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, candidate := range DefaultFiles {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, snackerrors.NewConfig(fmt.Sprintf("failed to read config file %s", path), err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, snackerrors.NewConfig(fmt.Sprintf("failed to parse config file %s", path), err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, snackerrors.NewConfig(fmt.Sprintf("failed to parse config file %s", path), err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Fetcher.TimeoutMs <= 0 {
		return snackerrors.NewConfig("fetcher.timeout_ms must be positive", nil)
	}
	if c.Fetcher.Cloudflare.TimeoutMs <= 0 {
		return snackerrors.NewConfig("fetcher.cloudflare.timeout_ms must be positive", nil)
	}
	if c.Fetcher.MaxRetries < 1 {
		return snackerrors.NewConfig("fetcher.max_retries must be at least 1", nil)
	}
	if c.Fetcher.MaxRedirects < 0 {
		return snackerrors.NewConfig("fetcher.max_redirects must be non-negative", nil)
	}
	if c.Sitemap.Parallel && c.Sitemap.MaxConcurrent < 1 {
		return snackerrors.NewConfig("sitemap.max_concurrent must be at least 1 when parallel is enabled", nil)
	}
	p := c.OpenAI.Pricing
	if p.Vision.InputPer1K < 0 || p.Vision.OutputPer1K < 0 || p.Vision.PerImage < 0 || p.Audio.PerMinute < 0 {
		return snackerrors.NewConfig("openai.pricing values must be non-negative", nil)
	}
	if c.Processor.Image.Model == "" {
		return snackerrors.NewConfig("processor.image.model is required", nil)
	}
	if c.Processor.Audio.Model == "" {
		return snackerrors.NewConfig("processor.audio.model is required", nil)
	}
	if c.CostTracking.StopThreshold > 0 && c.CostTracking.WarnThreshold > c.CostTracking.StopThreshold {
		return snackerrors.NewConfig(fmt.Sprintf("cost_tracking: warn_threshold (%.4f) must not exceed stop_threshold (%.4f)",
			c.CostTracking.WarnThreshold, c.CostTracking.StopThreshold), nil)
	}
	return nil
}

// APIKey returns the provider key from the environment.
func APIKey() (string, error) {
	key := strings.TrimSpace(os.Getenv(APIKeyEnv))
	if key == "" {
		return "", snackerrors.NewMissingAPIKey(APIKeyEnv)
	}
	return key, nil
}

func msOrDefault(ms int, defaultVal time.Duration) time.Duration {
	if ms <= 0 {
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
}

// GetTimeout returns the per-attempt light fetch timeout.
func (c *FetcherConfig) GetTimeout() time.Duration {
	return msOrDefault(c.TimeoutMs, 30*time.Second)
}

// GetRetryDelay returns the fixed delay added to every retry backoff.
func (c *FetcherConfig) GetRetryDelay() time.Duration {
	return msOrDefault(c.RetryDelayMs, time.Second)
}

// GetChallengeWait returns the settle delay used after escalating to the browser.
func (c *CloudflareConfig) GetChallengeWait() time.Duration {
	return msOrDefault(c.WaitTimeMs, 20*time.Second)
}

// GetChallengeTimeout returns the browser timeout used after escalation.
func (c *CloudflareConfig) GetChallengeTimeout() time.Duration {
	return msOrDefault(c.TimeoutMs, 60*time.Second)
}

// GetMaxConcurrent returns the parallel batch size.
func (c *SitemapConfig) GetMaxConcurrent() int {
	if c.MaxConcurrent < 1 {
		return 1
	}
	return c.MaxConcurrent
}

// ProcessedDir returns the directory holding enriched Markdown.
func (d *DirectoriesConfig) ProcessedDir() string {
	return filepath.Join(d.Output.Base, d.Output.Processed)
}

// MergedDir returns the directory holding merged documents.
func (d *DirectoriesConfig) MergedDir() string {
	return filepath.Join(d.Output.Base, d.Output.Merged)
}
