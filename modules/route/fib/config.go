package fib

import (
	"fmt"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

const (
	// MinSyncMem is the smallest accepted reclamation throttle.
	MinSyncMem = 64 * datasize.KB
	// MaxSyncMem is the largest accepted reclamation throttle.
	MaxSyncMem = 64 * datasize.MB
)

type config struct {
	// SyncMem is the amount of unlinked node memory a writer may queue
	// for reclamation before it waits for a grace period itself.
	SyncMem datasize.ByteSize `yaml:"sync_mem"`
	// MemoryLimit bounds the memory of live trie nodes. Zero means
	// unlimited.
	MemoryLimit datasize.ByteSize `yaml:"memory_limit"`
	// MaxWork is the number of inflate or halve steps a single node
	// resize may perform.
	MaxWork int `yaml:"max_work"`
	// InflateThreshold is the fill percentage above which a non-root
	// node is inflated.
	InflateThreshold uint64 `yaml:"inflate_threshold"`
	// InflateThresholdRoot is InflateThreshold for the top-level node.
	InflateThresholdRoot uint64 `yaml:"inflate_threshold_root"`
	// HalveThreshold is the fill percentage below which a non-root node
	// is halved.
	HalveThreshold uint64 `yaml:"halve_threshold"`
	// HalveThresholdRoot is HalveThreshold for the top-level node.
	HalveThresholdRoot uint64 `yaml:"halve_threshold_root"`
}

// Config is a validating wrapper around the config struct.
type Config config

// DefaultConfig returns the default table configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncMem:              512 * datasize.KB,
		MaxWork:              10,
		InflateThreshold:     50,
		InflateThresholdRoot: 30,
		HalveThreshold:       25,
		HalveThresholdRoot:   15,
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
	if m.SyncMem < MinSyncMem || m.SyncMem > MaxSyncMem {
		return fmt.Errorf("sync_mem %s is out of range [%s, %s]", m.SyncMem.HR(), MinSyncMem.HR(), MaxSyncMem.HR())
	}
	if m.MaxWork <= 0 {
		return fmt.Errorf("max_work must be positive")
	}
	for _, th := range []struct {
		name  string
		value uint64
	}{
		{"inflate_threshold", m.InflateThreshold},
		{"inflate_threshold_root", m.InflateThresholdRoot},
		{"halve_threshold", m.HalveThreshold},
		{"halve_threshold_root", m.HalveThresholdRoot},
	} {
		if th.value == 0 || th.value > 100 {
			return fmt.Errorf("%s must be in range [1, 100], got %d", th.name, th.value)
		}
	}
	if m.HalveThreshold >= m.InflateThreshold || m.HalveThresholdRoot >= m.InflateThresholdRoot {
		return fmt.Errorf("halve thresholds must be below inflate thresholds")
	}
	return nil
}
