// Package config loads the node configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcormc/sensornode/mqtt"
)

// Config is the root configuration of a sensor node.
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Broker       BrokerConfig       `yaml:"broker"`
	Topics       TopicsConfig       `yaml:"topics"`
	Sampling     SamplingConfig     `yaml:"sampling"`
	Queues       QueuesConfig       `yaml:"queues"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Store        StoreConfig        `yaml:"store"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// NodeConfig identifies the node.
type NodeConfig struct {
	// ClientID is the MQTT client identifier. Empty means generated.
	ClientID string `yaml:"client_id"`

	// APSSID is the access-point name used while unprovisioned.
	APSSID string `yaml:"ap_ssid"`
}

// BrokerConfig holds MQTT session settings. The broker host comes from the
// provisioned credentials.
type BrokerConfig struct {
	Scheme         string        `yaml:"scheme"`
	Port           int           `yaml:"port"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	QoS            byte          `yaml:"qos"`
	Proxy          string        `yaml:"proxy"`
}

// TopicsConfig names the topics the node publishes and subscribes to.
type TopicsConfig struct {
	Temperature string `yaml:"temperature"`
	Humidity    string `yaml:"humidity"`
	Accel       string `yaml:"accel"`
	Command     string `yaml:"command"`
	Status      string `yaml:"status"`
}

// SamplingConfig sets sensor periods.
type SamplingConfig struct {
	ClimateInterval time.Duration `yaml:"climate_interval"`
	MotionInterval  time.Duration `yaml:"motion_interval"`
	Simulated       bool          `yaml:"simulated"`
}

// QueuesConfig bounds the node's queues.
type QueuesConfig struct {
	Events   int `yaml:"events"`
	Outbound int `yaml:"outbound"`
	Inflight int `yaml:"inflight"`
}

// ReconnectConfig is the session reconnect backoff. The first attempt is
// immediate, then Delay, then LongDelay after Threshold consecutive failures.
type ReconnectConfig struct {
	Delay     time.Duration `yaml:"delay"`
	LongDelay time.Duration `yaml:"long_delay"`
	Threshold int           `yaml:"threshold"`
}

// StoreConfig locates the persistent credential record.
type StoreConfig struct {
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`
}

// ProvisioningConfig configures the provisioning endpoint.
type ProvisioningConfig struct {
	Address           string `yaml:"address"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			APSSID: "sensornode-setup",
		},
		Broker: BrokerConfig{
			Scheme:         "tcp",
			Port:           1883,
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 30 * time.Second,
			QoS:            1,
		},
		Topics: TopicsConfig{
			Temperature: "/rust/temperature",
			Humidity:    "/rust/humidity",
			Accel:       "/rust/accel",
			Command:     "/rust/command",
			Status:      "/rust/test",
		},
		Sampling: SamplingConfig{
			ClimateInterval: 4 * time.Second,
			MotionInterval:  5 * time.Second,
			Simulated:       true,
		},
		Queues: QueuesConfig{
			Events:   10,
			Outbound: 10,
			Inflight: 16,
		},
		Reconnect: ReconnectConfig{
			Delay:     5 * time.Second,
			LongDelay: 10 * time.Second,
			Threshold: 3,
		},
		Store: StoreConfig{
			Path: "./data/sensornode.db",
		},
		Provisioning: ProvisioningConfig{
			Address:           ":8080",
			RequestsPerMinute: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies SENSORNODE_*
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides follows the pattern SENSORNODE_SECTION_KEY.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"SENSORNODE_NODE_CLIENT_ID":       &cfg.Node.ClientID,
		"SENSORNODE_BROKER_SCHEME":        &cfg.Broker.Scheme,
		"SENSORNODE_BROKER_PROXY":         &cfg.Broker.Proxy,
		"SENSORNODE_STORE_PATH":           &cfg.Store.Path,
		"SENSORNODE_STORE_PASSPHRASE":     &cfg.Store.Passphrase,
		"SENSORNODE_PROVISIONING_ADDRESS": &cfg.Provisioning.Address,
		"SENSORNODE_LOGGING_LEVEL":        &cfg.Logging.Level,
		"SENSORNODE_LOGGING_FORMAT":       &cfg.Logging.Format,
		"SENSORNODE_TOPICS_COMMAND":       &cfg.Topics.Command,
		"SENSORNODE_TOPICS_STATUS":        &cfg.Topics.Status,
		"SENSORNODE_TOPICS_TEMPERATURE":   &cfg.Topics.Temperature,
		"SENSORNODE_TOPICS_HUMIDITY":      &cfg.Topics.Humidity,
		"SENSORNODE_TOPICS_ACCEL":         &cfg.Topics.Accel,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("SENSORNODE_BROKER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SENSORNODE_BROKER_PORT: %w", err)
		}
		cfg.Broker.Port = port
	}

	if v := os.Getenv("SENSORNODE_BROKER_KEEP_ALIVE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SENSORNODE_BROKER_KEEP_ALIVE: %w", err)
		}
		cfg.Broker.KeepAlive = d
	}

	if v := os.Getenv("SENSORNODE_SAMPLING_SIMULATED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SENSORNODE_SAMPLING_SIMULATED: %w", err)
		}
		cfg.Sampling.Simulated = b
	}

	return nil
}

// Validate checks the configuration, reporting every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, errors.New("broker.port must be between 1 and 65535"))
	}
	if c.Broker.KeepAlive < time.Second || c.Broker.KeepAlive > 65535*time.Second {
		errs = append(errs, errors.New("broker.keep_alive must be between 1s and 65535s"))
	}
	if c.Broker.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("broker.connect_timeout must be positive"))
	}
	if c.Broker.QoS > 1 {
		errs = append(errs, errors.New("broker.qos must be 0 or 1"))
	}

	published := [][2]string{
		{"topics.temperature", c.Topics.Temperature},
		{"topics.humidity", c.Topics.Humidity},
		{"topics.accel", c.Topics.Accel},
		{"topics.status", c.Topics.Status},
	}
	for _, t := range published {
		if err := mqtt.ValidateTopicName(t[1]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t[0], err))
		}
	}
	if err := mqtt.ValidateTopicFilter(c.Topics.Command); err != nil {
		errs = append(errs, fmt.Errorf("topics.command: %w", err))
	}

	if c.Sampling.ClimateInterval <= 0 || c.Sampling.MotionInterval <= 0 {
		errs = append(errs, errors.New("sampling intervals must be positive"))
	}
	if c.Queues.Events < 1 || c.Queues.Outbound < 1 || c.Queues.Inflight < 1 {
		errs = append(errs, errors.New("queue sizes must be at least 1"))
	}
	if c.Reconnect.Delay < 0 || c.Reconnect.LongDelay < c.Reconnect.Delay {
		errs = append(errs, errors.New("reconnect.long_delay must be at least reconnect.delay"))
	}
	if c.Reconnect.Threshold < 1 {
		errs = append(errs, errors.New("reconnect.threshold must be at least 1"))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Provisioning.Address == "" {
		errs = append(errs, errors.New("provisioning.address is required"))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, errors.New("logging.format must be text or json"))
	}

	return errors.Join(errs...)
}

// KeepAliveSeconds returns the keep-alive as carried in CONNECT.
func (c *Config) KeepAliveSeconds() uint16 {
	return uint16(c.Broker.KeepAlive / time.Second)
}

// BrokerEndpoint returns the endpoint for host using the configured scheme
// and port.
func (c *Config) BrokerEndpoint(host string) string {
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(c.Broker.Port))
	}
	return c.Broker.Scheme + "://" + host
}
