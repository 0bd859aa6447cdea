package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const defaultConfig = `
store_root: /repo/.hg
experimental:
  evolution:
  disablecopytrace: false
format:
  obsstore_version: 1
`

func checkValue(t *testing.T, fieldname string, val string, expected string) {
	if val != expected {
		t.Fatalf("Error parsing %s, expected '%v' got '%v'", fieldname, expected, val)
	}
}

func TestValidConfig(t *testing.T) {
	cfg := loadOrFail(t, defaultConfig)
	checkValue(t, "StoreRoot", cfg.StoreRoot, "/repo/.hg")
	assert.Equal(t, 1, cfg.Format.ObsstoreVersion)
	assert.False(t, cfg.Experimental.DisableCopyTrace)
	assert.Empty(t, cfg.Experimental.Evolution)
}

func TestEmptyConfig(t *testing.T) {
	cfg := loadOrFail(t, "")
	checkValue(t, "StoreRoot", cfg.StoreRoot, ".")
	assert.Equal(t, 1, cfg.Format.ObsstoreVersion)
}

func TestEvolutionFlags(t *testing.T) {
	const cfgStr = `
experimental:
  evolution:
  - createmarkers
  - allowunstable
`
	cfg := loadOrFail(t, cfgStr)
	assert.True(t, cfg.HasEvolutionFlag(EvolutionCreateMarkers))
	assert.True(t, cfg.HasEvolutionFlag(EvolutionAllowUnstable))
	assert.False(t, cfg.HasEvolutionFlag(EvolutionExchange))
}

func TestEvolutionAllFlag(t *testing.T) {
	const cfgStr = `
experimental:
  evolution:
  - all
`
	cfg := loadOrFail(t, cfgStr)
	assert.True(t, cfg.HasEvolutionFlag(EvolutionExchange))
}

func TestUnknownEvolutionFlag(t *testing.T) {
	ensureFail(t, `
experimental:
  evolution:
  - bogus
`, "unknown evolution flag")
}

func TestBadObsstoreVersion(t *testing.T) {
	ensureFail(t, `
format:
  obsstore_version: 7
`, "bad obsstore version")
}

func TestDisableCopyTrace(t *testing.T) {
	cfg := loadOrFail(t, `
experimental:
  disablecopytrace: true
`)
	assert.True(t, cfg.Experimental.DisableCopyTrace)
}

func TestDefaultDateSeconds(t *testing.T) {
	cfg := loadOrFail(t, `
devel:
  default_date: "1000.0 0"
`)
	secs, tz, ok := cfg.DefaultDateSeconds()
	assert.True(t, ok)
	assert.Equal(t, 1000.0, secs)
	assert.Equal(t, 0, tz)
}

func TestDefaultDateAbsent(t *testing.T) {
	cfg := loadOrFail(t, "")
	_, _, ok := cfg.DefaultDateSeconds()
	assert.False(t, ok)
}

func ensureFail(t *testing.T, cfgString string, desc string) {
	_, err := Unmarshal([]byte(cfgString))
	if err == nil {
		t.Fatalf("Expected config err not found: %s", desc)
	}
	t.Logf("Config err: %v", err.Error())
}

func loadOrFail(t *testing.T, cfgString string) *Config {
	cfg, err := Unmarshal([]byte(cfgString))
	if err != nil {
		t.Fatalf("Failed to read config: %v", err.Error())
	}
	return cfg
}
