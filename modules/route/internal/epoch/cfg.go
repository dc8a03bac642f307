package epoch

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

type config struct {
	// Interval is the period of background grace periods started by Run.
	Interval time.Duration `yaml:"interval"`
	// MinWait is the initial delay between reader drain checks.
	MinWait time.Duration `yaml:"min_wait"`
	// MaxWait caps the delay between reader drain checks.
	MaxWait time.Duration `yaml:"max_wait"`
}

// Config is a validating wrapper around the config struct.
type Config config

// DefaultConfig returns the default reclamation configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval: 100 * time.Millisecond,
		MinWait:  10 * time.Microsecond,
		MaxWait:  10 * time.Millisecond,
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *Config) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode((*config)(m)); err != nil {
		return err
	}
	return m.Validate()
}

// Validate checks the configuration.
func (m *Config) Validate() error {
	if m.Interval <= 0 {
		return fmt.Errorf("reclaim interval must be positive")
	}
	if m.MinWait <= 0 {
		return fmt.Errorf("reclaim min_wait must be positive")
	}
	if m.MaxWait < m.MinWait {
		return fmt.Errorf("reclaim max_wait (%s) is less than min_wait (%s)", m.MaxWait, m.MinWait)
	}
	return nil
}
