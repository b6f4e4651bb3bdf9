package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SEGMENTER_"

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Viewport ViewportConfig `json:"viewport"`
	Output   OutputConfig   `json:"output"`
	Vision   VisionConfig   `json:"vision"`
	Log      LogConfig      `json:"log"`
}

// ServerConfig holds the segmentation service endpoint
type ServerConfig struct {
	URL            string  `json:"url"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

// ViewportConfig is the area the image is fitted into
type ViewportConfig struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	Format         string  `json:"format"`
	Quality        int     `json:"quality"`
	Lossless       bool    `json:"lossless"`
	OverlayOpacity float64 `json:"overlay_opacity"`
	OutputDir      string  `json:"output_dir"`
	Suffix         string  `json:"suffix"`
}

// VisionConfig configures the optional selection suggestion
type VisionConfig struct {
	Enabled bool   `json:"enabled"`
	Backend string `json:"backend"`
	Model   string `json:"model"`
	URL     string `json:"url"`
	MaxDim  int    `json:"max_dim"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:            "ws://localhost:9000",
			TimeoutSeconds: 60,
		},
		Viewport: ViewportConfig{
			Width:  1280,
			Height: 800,
		},
		Output: OutputConfig{
			Format:         "png",
			Quality:        90,
			OverlayOpacity: 0.4,
			OutputDir:      "./output",
			Suffix:         "_mask",
		},
		Vision: VisionConfig{
			Backend: "ollama",
			Model:   "qwen2.5vl:7b",
			MaxDim:  1024,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Timeout returns the exchange timeout
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds * float64(time.Second))
}

// LoadFromFile loads configuration from a JSON file. Missing fields keep
// their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv loads envFile (".env" when empty) and applies SEGMENTER_*
// variables on top of the configuration. A missing default .env is ignored.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	} else if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	if v, ok := lookup("URL"); ok {
		c.Server.URL = v
	}
	if v, ok := lookup("TIMEOUT"); ok {
		secs, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%sTIMEOUT: %w", EnvPrefix, err)
		}
		c.Server.TimeoutSeconds = secs
	}
	if v, ok := lookup("FORMAT"); ok {
		c.Output.Format = strings.ToLower(v)
	}
	if v, ok := lookup("VISION_BACKEND"); ok {
		c.Vision.Backend = strings.ToLower(v)
	}
	if v, ok := lookup("VISION_MODEL"); ok {
		c.Vision.Model = v
	}
	if v, ok := lookup("VISION_URL"); ok {
		c.Vision.URL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("LOG_FILE"); ok {
		c.Log.File = v
	}
	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// parseSeconds accepts "90", "2.5" or a duration such as "1m30s"
func parseSeconds(v string) (float64, error) {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", v)
	}
	return d.Seconds(), nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server.url must be a ws:// or wss:// URL")
	}

	if c.Server.TimeoutSeconds <= 0 {
		return fmt.Errorf("server.timeout_seconds must be positive")
	}

	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		return fmt.Errorf("viewport width and height must be positive")
	}

	switch c.Output.Format {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("output.format must be one of png, jpg, webp")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	if c.Output.OverlayOpacity < 0 || c.Output.OverlayOpacity > 1 {
		return fmt.Errorf("output.overlay_opacity must be between 0 and 1")
	}

	if c.Vision.Enabled {
		switch c.Vision.Backend {
		case "ollama", "llamacpp", "saliency":
		default:
			return fmt.Errorf("vision.backend must be ollama, llamacpp or saliency")
		}
		if c.Vision.Model == "" && c.Vision.Backend != "saliency" {
			return fmt.Errorf("vision.model cannot be empty")
		}
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "image-segmenter", "config.json")
}
