// Package config loads the scan policy from safescan.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/triage-ai/safescan/internal/ban"
	"github.com/triage-ai/safescan/internal/engine"
	"github.com/triage-ai/safescan/internal/engine/detectors"
)

var (
	ErrConfigFileNotFound    = errors.New("config file not found")
	ErrConfigVersionMissing  = errors.New("config file is missing version field")
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
	ErrInvalidValue          = errors.New("invalid config value")
)

const (
	CurrentVersion = 1
	FileName       = "safescan.toml"
)

// SearchPaths are the directories searched for FileName, in order.
var SearchPaths = []string{
	".safescan",
	"/etc/safescan",
	"config",
	".",
}

// Config is the immutable scan policy. Build it once at startup and pass it
// to the components that need it.
type Config struct {
	Version int    `koanf:"version"`
	Scan    Scan   `koanf:"scan"`
	Vision  Vision `koanf:"vision"`
}

// Scan contains the gate policy.
type Scan struct {
	// Master switch for every tool.
	Enabled bool `koanf:"enabled"`
	// Delay between the ban notice and the sign-out, in milliseconds.
	LogoutGraceMs int `koanf:"logout_grace_ms"`
	// Path banned users are redirected to.
	BanRedirectPath string `koanf:"ban_redirect_path"`
	// Default sensitivities sent to the classifiers.
	Sensitivity Sensitivity `koanf:"sensitivity"`
	// Per tool overrides, keyed by tool type. Unlisted tools are scanned.
	Tools map[string]engine.ToolPolicy `koanf:"tools"`
}

// Sensitivity holds the default classifier sensitivities.
type Sensitivity struct {
	Image  string `koanf:"image"`
	Prompt string `koanf:"prompt"`
}

// Vision contains the external image classifier settings.
type Vision struct {
	// Endpoint URL. Empty disables image analysis (images fail open).
	Endpoint string `koanf:"endpoint"`
	// Per-request timeout in milliseconds.
	TimeoutMs int `koanf:"timeout_ms"`
	// Retries after the first attempt on transient failures.
	MaxRetries uint64 `koanf:"max_retries"`
	// First retry delay in milliseconds.
	InitialBackoffMs int `koanf:"initial_backoff_ms"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Scan: Scan{
			Enabled:         true,
			LogoutGraceMs:   int(ban.DefaultLogoutGrace / time.Millisecond),
			BanRedirectPath: ban.DefaultRedirectPath,
			Sensitivity:     Sensitivity{Image: "medium", Prompt: "medium"},
			Tools:           map[string]engine.ToolPolicy{},
		},
		Vision: Vision{
			TimeoutMs:        15000,
			InitialBackoffMs: 200,
		},
	}
}

// Load reads the config. An explicit path must exist; otherwise SearchPaths
// are tried and a missing file yields Default(). Returns the config and the
// file it was read from ("" for defaults).
func Load(path string) (*Config, string, error) {
	k := koanf.New(".")

	usedPath := ""
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, "", fmt.Errorf("%w: %s: %v", ErrConfigFileNotFound, path, err)
		}
		usedPath = path
	} else {
		for _, dir := range SearchPaths {
			candidate := filepath.Join(dir, FileName)
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			if err := k.Load(file.Provider(candidate), toml.Parser()); err != nil {
				return nil, "", fmt.Errorf("Load: %s: %w", candidate, err)
			}
			usedPath = candidate
			break
		}
	}

	cfg := Default()
	if usedPath == "" {
		return cfg, "", nil
	}

	// zero the version so a file without one is detected
	cfg.Version = 0
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, "", fmt.Errorf("Load: unmarshal %s: %w", usedPath, err)
	}
	if err := checkVersion(cfg.Version); err != nil {
		return nil, "", fmt.Errorf("%w: %s", err, usedPath)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, usedPath, nil
}

func checkVersion(got int) error {
	if got == 0 {
		return ErrConfigVersionMissing
	}
	if got != CurrentVersion {
		return fmt.Errorf("%w (got: %d, expected: %d)", ErrConfigVersionMismatch, got, CurrentVersion)
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if err := checkSensitivity("scan.sensitivity.image", c.Scan.Sensitivity.Image); err != nil {
		return err
	}
	if err := checkSensitivity("scan.sensitivity.prompt", c.Scan.Sensitivity.Prompt); err != nil {
		return err
	}
	for tool, p := range c.Scan.Tools {
		if p.ImageSensitivity != nil {
			if err := checkSensitivity("scan.tools."+tool+".image_sensitivity", *p.ImageSensitivity); err != nil {
				return err
			}
		}
		if p.PromptSensitivity != nil {
			if err := checkSensitivity("scan.tools."+tool+".prompt_sensitivity", *p.PromptSensitivity); err != nil {
				return err
			}
		}
	}
	if c.Scan.LogoutGraceMs < 0 {
		return fmt.Errorf("%w: scan.logout_grace_ms must not be negative", ErrInvalidValue)
	}
	if c.Vision.TimeoutMs < 0 || c.Vision.InitialBackoffMs < 0 {
		return fmt.Errorf("%w: vision timings must not be negative", ErrInvalidValue)
	}
	return nil
}

func checkSensitivity(key, v string) error {
	switch v {
	case "low", "medium", "high":
		return nil
	default:
		return fmt.Errorf("%w: %s = %q (want low, medium or high)", ErrInvalidValue, key, v)
	}
}

// ScannerConfig builds the engine policy.
func (c *Config) ScannerConfig() engine.ScannerConfig {
	tools := make(map[string]engine.ToolPolicy, len(c.Scan.Tools))
	for k, v := range c.Scan.Tools {
		tools[k] = v
	}
	return engine.ScannerConfig{
		Enabled:           c.Scan.Enabled,
		Tools:             engine.ToolRegistry{Tools: tools},
		ImageSensitivity:  c.Scan.Sensitivity.Image,
		PromptSensitivity: c.Scan.Sensitivity.Prompt,
	}
}

// BanConfig builds the ban trigger policy.
func (c *Config) BanConfig() ban.Config {
	return ban.Config{
		LogoutGrace:  time.Duration(c.Scan.LogoutGraceMs) * time.Millisecond,
		RedirectPath: c.Scan.BanRedirectPath,
	}
}

// VisionConfig builds the vision client settings. ok is false when no
// endpoint is configured.
func (c *Config) VisionConfig() (cfg detectors.VisionConfig, ok bool) {
	if c.Vision.Endpoint == "" {
		return detectors.VisionConfig{}, false
	}
	return detectors.VisionConfig{
		Endpoint:       c.Vision.Endpoint,
		Timeout:        time.Duration(c.Vision.TimeoutMs) * time.Millisecond,
		MaxRetries:     c.Vision.MaxRetries,
		InitialBackoff: time.Duration(c.Vision.InitialBackoffMs) * time.Millisecond,
	}, true
}
