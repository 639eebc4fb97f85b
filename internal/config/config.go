// Package config loads the promptloop configuration file and resolves
// defaults. Credentials are not handled here: the API key is resolved by
// the caller (environment first, then the metadata database) and passed
// into the agents explicitly.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"promptloop/internal/refine"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "promptloop.yaml"

// Duration wraps time.Duration with YAML support for strings like "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the promptloop application configuration.
type Config struct {
	// Backend settings.
	Model             string `yaml:"model"`
	BaseURL           string `yaml:"base_url"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`

	// Sampling temperatures. The generator runs warm for variety, the
	// critic cold for consistency.
	GeneratorTemperature float32 `yaml:"generator_temperature"`
	CriticTemperature    float32 `yaml:"critic_temperature"`

	// Loop settings.
	MaxRounds      int      `yaml:"max_rounds"`
	PerCallTimeout Duration `yaml:"per_call_timeout"`
	RetryLimit     int      `yaml:"retry_limit"`
	AcceptMarker   string   `yaml:"accept_marker"`

	// Role instructions. Empty values use the built-in defaults.
	GeneratorInstruction string `yaml:"generator_instruction"`
	CriticInstruction    string `yaml:"critic_instruction"`

	// DataDir holds the SQLite databases.
	DataDir string `yaml:"data_dir"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Model:                "gpt-4o-mini",
		RequestsPerMinute:    60,
		GeneratorTemperature: 0.7,
		CriticTemperature:    0.3,
		MaxRounds:            refine.DefaultMaxRounds,
		PerCallTimeout:       Duration(refine.DefaultPerCallTimeout),
		RetryLimit:           refine.DefaultRetryLimit,
		AcceptMarker:         refine.DefaultAcceptMarker,
		DataDir:              ".",
	}
}

// Load reads the configuration from path. A missing file yields the
// defaults; a present but unparsable file is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = def.RequestsPerMinute
	}
	if c.MaxRounds == 0 {
		c.MaxRounds = def.MaxRounds
	}
	if c.PerCallTimeout <= 0 {
		c.PerCallTimeout = def.PerCallTimeout
	}
	if c.AcceptMarker == "" {
		c.AcceptMarker = def.AcceptMarker
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
}

// LoopConfig derives the run configuration for the refinement loop,
// filling in the built-in role instructions where the file left them
// empty.
func (c Config) LoopConfig() refine.Config {
	generator := c.GeneratorInstruction
	if generator == "" {
		generator = refine.DefaultGeneratorInstruction
	}
	critic := c.CriticInstruction
	if critic == "" {
		critic = refine.CriticInstructionWithMarker(c.AcceptMarker)
	}

	return refine.Config{
		MaxRounds:            c.MaxRounds,
		PerCallTimeout:       time.Duration(c.PerCallTimeout),
		RetryLimit:           c.RetryLimit,
		GeneratorInstruction: generator,
		CriticInstruction:    critic,
		AcceptMarker:         c.AcceptMarker,
	}
}
