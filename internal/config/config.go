package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"swimalign/internal/recipe"
)

const (
	defaultConfigPath = "~/.config/swimalign/config.json"
	defaultMaxWorkers = 32
)

// Config holds user-editable settings for swimalign.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Swim       Swim       `json:"swim"`
	Defaults   Defaults   `json:"defaults"`
	Server     Server     `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	Workers    int    `json:"workers"`     // 0 means one per CPU
	MaxWorkers int    `json:"max_workers"` // platform ceiling
	TempDir    string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default locations.
type Paths struct {
	DatabasePath   string `json:"database_path"`
	DefaultProject string `json:"default_project"`
}

// Swim configures the external tools and the artifacts recipes keep.
type Swim struct {
	SwimPath           string `json:"swim_path"`
	MirPath            string `json:"mir_path"`
	KeepSignals        bool   `json:"keep_signals"`
	KeepMatches        bool   `json:"keep_matches"`
	ReduceSignals      int    `json:"reduce_signals"`
	SignalCrop         int    `json:"signal_crop"`
	GenerateThumbnails bool   `json:"generate_thumbnails"`
	ThumbnailDir       string `json:"thumbnail_dir"`
	ThumbnailScale     int    `json:"thumbnail_scale"`
	AnimateThumbnails  bool   `json:"animate_thumbnails"`
	BoundingRect       string `json:"bounding_rect"` // square, nonsquare
	DevMode            bool   `json:"dev_mode"`
	Verbose            bool   `json:"verbose"`
}

// Defaults seeds the settings of sections that have none.
type Defaults struct {
	Method               string  `json:"method"`
	WindowFull           int     `json:"window_1x1"`
	WindowQuad           int     `json:"window_2x2"`
	ManualWindowFraction float64 `json:"manual_window_fraction"`
	Iterations           int     `json:"iterations"`
	Whitening            float64 `json:"whitening"`
	Clobber              bool    `json:"clobber"`
	ClobberPx            int     `json:"clobber_px"`
	PolyOrder            *int    `json:"poly_order"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `json:"addr"`
}

// Path returns the config file location honoring SWIMALIGN_CONFIG.
func Path() (string, error) {
	configPath := os.Getenv("SWIMALIGN_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return expandUser(configPath)
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	expanded, err := Path()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Save writes cfg to the config path, creating its directory.
func Save(cfg *Config) (string, error) {
	path, err := Path()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	return path, os.WriteFile(path, data, 0o644)
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Validate rejects settings recipes cannot honor.
func (c *Config) Validate() error {
	switch c.Swim.BoundingRect {
	case recipe.BoundingSquare, recipe.BoundingNonSquare:
	default:
		return fmt.Errorf("unknown bounding_rect %q", c.Swim.BoundingRect)
	}
	if c.Swim.ThumbnailScale < 0 {
		return fmt.Errorf("thumbnail_scale must not be negative, got %d", c.Swim.ThumbnailScale)
	}
	if c.Swim.SignalCrop <= 0 {
		return fmt.Errorf("signal_crop must be positive, got %d", c.Swim.SignalCrop)
	}
	if c.Processing.Workers < 0 || c.Processing.MaxWorkers < 0 {
		return errors.New("worker counts must not be negative")
	}
	switch recipe.Method(c.Defaults.Method) {
	case recipe.MethodGrid, recipe.MethodManual:
	default:
		return fmt.Errorf("unknown default method %q", c.Defaults.Method)
	}
	if c.Defaults.PolyOrder != nil && *c.Defaults.PolyOrder < 0 {
		return fmt.Errorf("poly_order must not be negative")
	}
	return nil
}

// RecipeOptions builds the per-recipe preferences.
func (c *Config) RecipeOptions() recipe.Options {
	s := c.Swim
	return recipe.Options{
		KeepSignals:    s.KeepSignals,
		KeepMatches:    s.KeepMatches,
		ReduceSignals:  s.ReduceSignals,
		SignalCrop:     s.SignalCrop,
		SignalDir:      filepath.Join(c.Processing.TempDir, "signals"),
		MatchDir:       filepath.Join(c.Processing.TempDir, "matches"),
		DevMode:        s.DevMode,
		Verbose:        s.Verbose,
		Thumbnails:     s.GenerateThumbnails,
		ThumbnailDir:   s.ThumbnailDir,
		ThumbnailScale: s.ThumbnailScale,
		BoundingRect:   s.BoundingRect,
		GIF:            s.AnimateThumbnails,
	}
}

// DefaultSettings returns section settings seeded from Defaults.
func (c *Config) DefaultSettings() recipe.SwimSettings {
	d := c.Defaults
	s := recipe.DefaultSettings()
	s.Method = recipe.Method(d.Method)
	if d.WindowFull > 0 {
		s.WindowFull = [2]int{d.WindowFull, d.WindowFull}
	}
	if d.WindowQuad > 0 {
		s.WindowQuad = [2]int{d.WindowQuad, d.WindowQuad}
	}
	if d.ManualWindowFraction > 0 {
		s.ManualWindowFraction = d.ManualWindowFraction
	}
	if d.Iterations > 0 {
		s.Iterations = d.Iterations
	}
	s.Whitening = d.Whitening
	s.Clobber = d.Clobber
	if d.ClobberPx > 0 {
		s.ClobberPx = d.ClobberPx
	}
	return s
}

// WorkerCount is min(CPUs or configured workers, ceiling, pending), at
// least one.
func (c *Config) WorkerCount(pending int) int {
	n := runtime.NumCPU()
	if c.Processing.Workers > 0 && c.Processing.Workers < n {
		n = c.Processing.Workers
	}
	ceiling := c.Processing.MaxWorkers
	if ceiling <= 0 {
		ceiling = platformCeiling()
	}
	if n > ceiling {
		n = ceiling
	}
	if pending > 0 && n > pending {
		n = pending
	}
	if n < 1 {
		n = 1
	}
	return n
}

func platformCeiling() int {
	switch runtime.GOOS {
	case "windows":
		return 61
	case "darwin":
		return 16
	default:
		return defaultMaxWorkers
	}
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			TempDir: filepath.Join(os.TempDir(), "swimalign"),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "swimalign.db"),
		},
		Swim: Swim{
			SignalCrop:   128,
			BoundingRect: recipe.BoundingSquare,
		},
		Defaults: Defaults{
			Method:               string(recipe.MethodGrid),
			WindowFull:           1024,
			WindowQuad:           512,
			ManualWindowFraction: 0.125,
			Iterations:           3,
			Whitening:            -0.68,
			ClobberPx:            3,
		},
		Server: Server{Addr: ":8080"},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
