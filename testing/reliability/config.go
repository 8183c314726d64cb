package reliability

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds configuration for reliability testing, read from
// TRACEKIT_RELIABILITY_* environment variables.
type Config struct {
	Level            string        `envconfig:"LEVEL"`
	Duration         time.Duration `envconfig:"DURATION" default:"30s"`
	MaxGoroutines    int           `envconfig:"MAX_GOROUTINES" default:"100"`
	MaxMemoryMB      int           `envconfig:"MAX_MEMORY_MB" default:"512"`
	FailureThreshold float64       `envconfig:"FAILURE_THRESHOLD" default:"0.05"`
}

// Reliability levels.
const (
	LevelBasic  = "basic"
	LevelStress = "stress"
)

// loadConfig reads the environment. Malformed values fail the test.
func loadConfig(t *testing.T) Config {
	t.Helper()
	var c Config
	if err := envconfig.Process("TRACEKIT_RELIABILITY", &c); err != nil {
		t.Fatalf("reliability config: %v", err)
	}
	return c
}

// requireLevel skips t unless the configured level is basic or stress,
// and returns the loaded config.
func requireLevel(t *testing.T) Config {
	t.Helper()
	c := loadConfig(t)
	switch c.Level {
	case LevelBasic, LevelStress:
		return c
	default:
		t.Skip("TRACEKIT_RELIABILITY_LEVEL not set, skipping reliability tests")
		return c
	}
}

// scale returns basic when running at the basic level and stress
// otherwise.
func (c Config) scale(basic, stress int) int {
	if c.Level == LevelStress {
		return stress
	}
	return basic
}
