// Package config loads and validates the YAML configuration surface for
// the storage engine's four components, in the teacher's
// Unmarshal/LoadConfigFile/validate idiom (originally written for
// gitp4transfer's branch-mapping config).
package config

import (
	"fmt"
	"os"
	"strconv"

	yaml "gopkg.in/yaml.v2"
)

// Known experimental.evolution flags, per §6.
const (
	EvolutionCreateMarkers  = "createmarkers"
	EvolutionAllowUnstable  = "allowunstable"
	EvolutionExchange       = "exchange"
	EvolutionAll            = "all"
)

var knownEvolutionFlags = map[string]bool{
	EvolutionCreateMarkers: true,
	EvolutionAllowUnstable: true,
	EvolutionExchange:      true,
	EvolutionAll:           true,
}

// Experimental groups the experimental.* configuration keys of §6.
type Experimental struct {
	Evolution              []string `yaml:"evolution"`
	DisableCopyTrace       bool     `yaml:"disablecopytrace"`
	EvolutionTrackOperation bool    `yaml:"evolution_track_operation"`
}

// Format groups the format.* configuration keys.
type Format struct {
	ObsstoreVersion int `yaml:"obsstore_version"`
}

// Devel groups development/test-only configuration keys.
type Devel struct {
	DefaultDate string `yaml:"default_date"`
}

// Config is the top-level configuration surface of §6.
type Config struct {
	StoreRoot    string       `yaml:"store_root"`
	Experimental Experimental `yaml:"experimental"`
	Format       Format       `yaml:"format"`
	Devel        Devel        `yaml:"devel"`
}

// HasEvolutionFlag reports whether flag (or "all") is enabled.
func (c *Config) HasEvolutionFlag(flag string) bool {
	for _, f := range c.Experimental.Evolution {
		if f == flag || f == EvolutionAll {
			return true
		}
	}
	return false
}

// DefaultDateSeconds parses devel.default-date ("<seconds> <tz>") if set,
// returning ok=false when absent or malformed so callers fall back to the
// wall clock.
func (c *Config) DefaultDateSeconds() (seconds float64, tz int, ok bool) {
	if c.Devel.DefaultDate == "" {
		return 0, 0, false
	}
	var secStr, tzStr string
	n, err := fmt.Sscanf(c.Devel.DefaultDate, "%s %s", &secStr, &tzStr)
	if err != nil || n != 2 {
		return 0, 0, false
	}
	sec, err := strconv.ParseFloat(secStr, 64)
	if err != nil {
		return 0, 0, false
	}
	tzv, err := strconv.Atoi(tzStr)
	if err != nil {
		return 0, 0, false
	}
	return sec, tzv, true
}

// Unmarshal parses and validates config.
func Unmarshal(config []byte) (*Config, error) {
	cfg := &Config{
		StoreRoot: ".",
		Format:    Format{ObsstoreVersion: 1},
	}
	if err := yaml.Unmarshal(config, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v. make sure to use 'single quotes' around strings with special characters", err.Error())
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads config from filename.
func LoadConfigFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := LoadConfigString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

// LoadConfigString loads config from an in-memory byte slice.
func LoadConfigString(content []byte) (*Config, error) {
	return Unmarshal(content)
}

func (c *Config) validate() error {
	if c.Format.ObsstoreVersion != 0 && c.Format.ObsstoreVersion != 1 {
		return fmt.Errorf("format.obsstore-version must be 0 or 1, got %d", c.Format.ObsstoreVersion)
	}
	for _, f := range c.Experimental.Evolution {
		if !knownEvolutionFlags[f] {
			return fmt.Errorf("unknown experimental.evolution flag %q", f)
		}
	}
	return nil
}
