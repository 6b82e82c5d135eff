package textgen

import (
	"errors"
	"strings"
	"time"

	"github.com/animus-labs/scriptlens/internal/platform/env"
)

const (
	DefaultModel       = "gemini-2.5-flash"
	DefaultTemperature = float32(0.2)
)

type Config struct {
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Seconds("SCRIPTLENS_GENERATOR_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		APIKey:      env.String("SCRIPTLENS_GEMINI_API_KEY", env.String("GEMINI_API_KEY", "")),
		Model:       env.String("SCRIPTLENS_GEMINI_MODEL", DefaultModel),
		Temperature: DefaultTemperature,
		Timeout:     timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("SCRIPTLENS_GEMINI_MODEL is required")
	}
	if c.Timeout < 0 {
		return errors.New("SCRIPTLENS_GENERATOR_TIMEOUT must be >= 0")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return errors.New("temperature must be between 0 and 2")
	}
	return nil
}
