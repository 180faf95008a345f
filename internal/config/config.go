// Package config implements the Config Registry: a process-wide resolver
// for broker, OLAP, and auth parameters that merges environment variables,
// an optional YAML file, and explicit runtime overrides (flags, or a
// Redis-backed live override layer). Construction is init-once; teardown is
// implicit at process exit.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ClickHouseConfig configures the OLAP Client Factory, sourced from
// MOOSE_CLICKHOUSE_CONFIG__* env vars
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	HostPort int    `yaml:"host_port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"db_name"`
	UseSSL   bool   `yaml:"use_ssl"`
}

// BrokerConfig configures the Broker Client Factory, sourced from
// MOOSE_REDPANDA_CONFIG__* (aliased MOOSE_KAFKA_CONFIG__*) env vars.
type BrokerConfig struct {
	Broker            string `yaml:"broker"`
	MessageTimeoutMS  int    `yaml:"message_timeout_ms"`
	SASLUsername      string `yaml:"sasl_username"`
	SASLPassword      string `yaml:"sasl_password"`
	SASLMechanism     string `yaml:"sasl_mechanism"`
	SecurityProtocol  string `yaml:"security_protocol"`
	Namespace         string `yaml:"namespace"`
	SchemaRegistryURL string `yaml:"schema_registry_url"`
}

// AuthConfig configures the gateway's JWT verification. APIKey is the
// static bearer-token alternative used when no JWT public key is
// configured.
type AuthConfig struct {
	JWTPublicKeyPEM string
	JWTIssuer       string
	JWTAudience     string
	EnforceAuth     bool
	APIKey          string
}

// Config is the fully resolved process configuration.
type Config struct {
	SourceDir        string
	ManagementPort   int
	StreamingMaxConcurrency int
	ProxyPort        int
	ClickHouse       ClickHouseConfig
	Broker           BrokerConfig
	Auth             AuthConfig
	HostnamePrefix   string
}

// Defaults applied when neither environment nor file provides a value.
const (
	DefaultSourceDir               = "app"
	DefaultManagementPort          = 5001
	DefaultStreamingMaxConcurrency = 100
	DefaultProxyPort               = 4001
)

var (
	registryOnce sync.Once
	registry     *Registry
)

// Registry is the process-wide Config Registry singleton. Use Global to
// obtain it; construct additional instances only in tests via New.
type Registry struct {
	mu  sync.RWMutex
	cfg Config

	overrides OverrideSource // optional runtime-override layer (e.g. Redis)
}

// OverrideSource supplies live runtime overrides for a small set of keys on
// top of the env+file baseline. A nil OverrideSource disables the feature.
type OverrideSource interface {
	// Override returns a replacement value for key, if one is currently
	// set, and whether it was found.
	Override(key string) (string, bool)
}

// Global returns the process-wide Config Registry, constructing it from the
// environment and an optional file on first call. Subsequent calls return
// the same instance (init-once semantics).
func Global(filePath string) (*Registry, error) {
	var err error
	registryOnce.Do(func() {
		registry, err = New(filePath, nil)
	})
	if err != nil {
		return nil, err
	}
	return registry, nil
}

// New builds a Registry from environment variables, an optional YAML file
// (file values are overridden by environment values, since the environment
// is the more specific, deployment-time layer), and an optional live
// OverrideSource consulted on every Config() call.
func New(filePath string, overrides OverrideSource) (*Registry, error) {
	cfg := Config{
		SourceDir:               getenvDefault("MOOSE_SOURCE_DIR", DefaultSourceDir),
		ManagementPort:          getenvIntDefault("MOOSE_MANAGEMENT_PORT", DefaultManagementPort),
		StreamingMaxConcurrency: getenvIntDefault("MAX_STREAMING_CONCURRENCY", DefaultStreamingMaxConcurrency),
		ProxyPort:               DefaultProxyPort,
		HostnamePrefix:          os.Getenv("HOSTNAME"),
	}

	if filePath != "" {
		if err := mergeFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("load config file %q: %w", filePath, err)
		}
	}

	mergeClickHouseEnv(&cfg.ClickHouse)
	mergeBrokerEnv(&cfg.Broker)

	return &Registry{cfg: cfg, overrides: overrides}, nil
}

func mergeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if fileCfg.SourceDir != "" && os.Getenv("MOOSE_SOURCE_DIR") == "" {
		cfg.SourceDir = fileCfg.SourceDir
	}
	if _, ok := getenvInt("MOOSE_MANAGEMENT_PORT"); fileCfg.ManagementPort != 0 && !ok {
		cfg.ManagementPort = fileCfg.ManagementPort
	}
	if fileCfg.ProxyPort != 0 {
		cfg.ProxyPort = fileCfg.ProxyPort
	}
	if fileCfg.ClickHouse != (ClickHouseConfig{}) {
		cfg.ClickHouse = fileCfg.ClickHouse
	}
	if fileCfg.Broker != (BrokerConfig{}) {
		cfg.Broker = fileCfg.Broker
	}
	return nil
}

func mergeClickHouseEnv(c *ClickHouseConfig) {
	if v := os.Getenv("MOOSE_CLICKHOUSE_CONFIG__HOST"); v != "" {
		c.Host = v
	}
	if v, ok := getenvInt("MOOSE_CLICKHOUSE_CONFIG__HOST_PORT"); ok {
		c.HostPort = v
	}
	if v := os.Getenv("MOOSE_CLICKHOUSE_CONFIG__USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv("MOOSE_CLICKHOUSE_CONFIG__PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("MOOSE_CLICKHOUSE_CONFIG__DB_NAME"); v != "" {
		c.DBName = v
	}
	if v := os.Getenv("MOOSE_CLICKHOUSE_CONFIG__USE_SSL"); v != "" {
		c.UseSSL = parseBool(v)
	}
}

func mergeBrokerEnv(b *BrokerConfig) {
	// MOOSE_REDPANDA_CONFIG__* with MOOSE_KAFKA_CONFIG__* as an alias; the
	// Redpanda-prefixed variable wins if both are set.
	get := func(suffix string) string {
		if v := os.Getenv("MOOSE_REDPANDA_CONFIG__" + suffix); v != "" {
			return v
		}
		return os.Getenv("MOOSE_KAFKA_CONFIG__" + suffix)
	}
	if v := get("BROKER"); v != "" {
		b.Broker = v
	}
	if v := get("MESSAGE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			b.MessageTimeoutMS = n
		}
	}
	if v := get("SASL_USERNAME"); v != "" {
		b.SASLUsername = v
	}
	if v := get("SASL_PASSWORD"); v != "" {
		b.SASLPassword = v
	}
	if v := get("SASL_MECHANISM"); v != "" {
		b.SASLMechanism = v
	}
	if v := get("SECURITY_PROTOCOL"); v != "" {
		b.SecurityProtocol = v
	}
	if v := get("NAMESPACE"); v != "" {
		b.Namespace = v
	}
	if v := get("SCHEMA_REGISTRY_URL"); v != "" {
		b.SchemaRegistryURL = v
	}
}

// Config returns a copy of the currently resolved configuration, applying
// any live overrides on top of the env+file baseline.
func (r *Registry) Config() Config {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	if r.overrides == nil {
		return cfg
	}
	if v, ok := r.overrides.Override("broker"); ok {
		cfg.Broker.Broker = v
	}
	if v, ok := r.overrides.Override("enforce_auth"); ok {
		cfg.Auth.EnforceAuth = parseBool(v)
	}
	return cfg
}

// SetAuth installs auth parameters, typically sourced from the
// consumption-apis subcommand's CLI flags.
func (r *Registry) SetAuth(a AuthConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Auth = a
}

// SetProxyPort overrides the gateway listen port.
func (r *Registry) SetProxyPort(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.ProxyPort = port
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	if v, ok := getenvInt(key); ok {
		return v
	}
	return def
}

func getenvInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
