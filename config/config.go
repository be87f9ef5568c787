// Package config loads the exporter's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/probelab/flowprobe/flows"
)

// InputConfig selects the capture source and sizes the input ring.
type InputConfig struct {
	Pcap      string `yaml:"pcap"`
	QueueSize int    `yaml:"queue_size"`
}

// CacheConfig mirrors the recognized cache options.
type CacheConfig struct {
	SizeExponent    uint32 `yaml:"size_exponent"`
	LineExponent    uint32 `yaml:"line_exponent"`
	ActiveTimeout   int64  `yaml:"active_timeout"`
	InactiveTimeout int64  `yaml:"inactive_timeout"`
	TimeoutStep     uint32 `yaml:"timeout_step"`
	SplitBiflow     bool   `yaml:"split_biflow"`
}

// ProcessConfig enables process plugins by name.
type ProcessConfig struct {
	Plugins       []string `yaml:"plugins"`
	RTPExportFile string   `yaml:"rtp_export_file"`
}

// KafkaConfig configures the Kafka output.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// NATSConfig configures the NATS output.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// OutputConfig selects the encoders and sizes the export queue.
type OutputConfig struct {
	QueueSize int          `yaml:"queue_size"`
	IPFIX     string       `yaml:"ipfix"`
	CSV       string       `yaml:"csv"`
	Kafka     *KafkaConfig `yaml:"kafka"`
	NATS      *NATSConfig  `yaml:"nats"`
}

// Config is the top-level configuration of one pipeline.
type Config struct {
	Input   InputConfig   `yaml:"input"`
	Cache   CacheConfig   `yaml:"cache"`
	Process ProcessConfig `yaml:"process"`
	Output  OutputConfig  `yaml:"output"`
}

// Load reads, unmarshals and validates the configuration at path. Absent
// values take the exporter defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &Config{
		Cache: CacheConfig{
			SizeExponent:    flows.DefaultCacheSizeExp,
			LineExponent:    flows.DefaultLineSizeExp,
			ActiveTimeout:   flows.DefaultActiveTimeout,
			InactiveTimeout: flows.DefaultInactiveTimeout,
			TimeoutStep:     flows.DefaultTimeoutStep,
		},
		Input:  InputConfig{QueueSize: 64},
		Output: OutputConfig{QueueSize: 16384},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CacheOptions converts the file values into validated cache options.
func (c *Config) CacheOptions() flows.CacheConfig {
	return flows.CacheConfig{
		CacheSizeExp:    c.Cache.SizeExponent,
		LineSizeExp:     c.Cache.LineExponent,
		ActiveTimeout:   c.Cache.ActiveTimeout,
		InactiveTimeout: c.Cache.InactiveTimeout,
		TimeoutStep:     c.Cache.TimeoutStep,
		SplitBiflow:     c.Cache.SplitBiflow,
	}
}

// Validate rejects bad option values before any resources are allocated.
func (c *Config) Validate() error {
	opts := c.CacheOptions()
	if _, _, err := opts.Validate(); err != nil {
		return err
	}
	if c.Input.QueueSize <= 0 || c.Output.QueueSize <= 0 {
		return fmt.Errorf("queue sizes must be positive")
	}
	for _, name := range c.Process.Plugins {
		switch name {
		case "basicplus", "rtp", "rtp-exporter", "quic":
		default:
			return fmt.Errorf("unknown process plugin %q", name)
		}
	}
	if c.Input.Pcap == "" {
		return fmt.Errorf("input: a pcap file is required")
	}
	return nil
}
