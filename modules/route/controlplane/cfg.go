package route

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/fibtrie/common/go/logging"
	"github.com/yanet-platform/fibtrie/modules/route/fib"
	"github.com/yanet-platform/fibtrie/modules/route/internal/epoch"
)

type Config config
type config struct {
	// Logging configuration.
	Logging *logging.Config `yaml:"logging"`
	// TableID is the identifier of the served table.
	TableID uint32 `yaml:"table_id"`
	// FIB holds the trie tunables.
	FIB *fib.Config `yaml:"fib"`
	// Reclaim configures deferred node reclamation.
	Reclaim *epoch.Config `yaml:"reclaim"`
	// RoutesFile is an optional YAML file with static routes loaded at
	// startup.
	RoutesFile string `yaml:"routes_file"`
	// Kernel configures mirroring of a kernel routing table.
	Kernel KernelConfig `yaml:"kernel"`
	// Links configures link state discovery.
	Links LinksConfig `yaml:"links"`
	// Neighbours configures gateway neighbour discovery.
	Neighbours NeighboursConfig `yaml:"neighbours"`
	// MetricsEndpoint is the address of the Prometheus HTTP endpoint.
	// Metrics are not served when empty.
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	// Endpoint is the address of the gRPC route service. The service is
	// not served when empty.
	Endpoint string `yaml:"endpoint"`
}

// KernelConfig describes the kernel route importer.
type KernelConfig struct {
	Enabled bool `yaml:"enabled"`
	// Table is the kernel table to mirror.
	Table int `yaml:"table"`
	// MaxBackoff caps the delay between subscription restarts.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// LinksConfig describes the link monitor.
type LinksConfig struct {
	Enabled        bool          `yaml:"enabled"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// NeighboursConfig describes the neighbour monitor.
type NeighboursConfig struct {
	Enabled        bool          `yaml:"enabled"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		TableID: 254,
		FIB:     fib.DefaultConfig(),
		Reclaim: epoch.DefaultConfig(),
		Kernel: KernelConfig{
			Table:      254,
			MaxBackoff: time.Minute,
		},
		Links: LinksConfig{
			Enabled:        true,
			UpdateInterval: time.Minute,
		},
		Neighbours: NeighboursConfig{
			Enabled:        true,
			UpdateInterval: 5 * time.Minute,
		},
	}
}

// LoadConfig loads the configuration from the given path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return cfg, nil
}

// UnmarshalYAML decodes the config and validates it.
func (m *Config) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode((*config)(m)); err != nil {
		return err
	}
	return m.Validate()
}

// Validate validates the configuration.
func (m *Config) Validate() error {
	if m.TableID == 0 {
		return fmt.Errorf("table_id must be non-zero")
	}
	if m.Logging == nil {
		return fmt.Errorf("logging is not configured")
	}
	if err := m.Logging.Validate(); err != nil {
		return err
	}
	if m.FIB == nil {
		return fmt.Errorf("fib is not configured")
	}
	if m.Reclaim == nil {
		return fmt.Errorf("reclaim is not configured")
	}
	if m.Kernel.Enabled && m.Kernel.MaxBackoff <= 0 {
		return fmt.Errorf("kernel max_backoff must be positive")
	}
	if m.Links.Enabled && m.Links.UpdateInterval <= 0 {
		return fmt.Errorf("links update_interval must be positive")
	}
	if m.Neighbours.Enabled && m.Neighbours.UpdateInterval <= 0 {
		return fmt.Errorf("neighbours update_interval must be positive")
	}
	return nil
}
