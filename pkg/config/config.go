package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full node configuration, loaded once at startup and
// treated as immutable afterwards.
type Config struct {
	NodeID  string `mapstructure:"node_id"`
	DataDir string `mapstructure:"data_dir"`

	// BootstrapSchema creates missing storage buckets on startup. Disable
	// on nodes that must fail fast against an uninitialized store.
	BootstrapSchema bool `mapstructure:"bootstrap_schema"`

	Partition PartitionConfig `mapstructure:"partition"`
	Converge  ConvergeConfig  `mapstructure:"converge"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	API       APIConfig       `mapstructure:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// PartitionConfig configures the replicated lease coordinator.
type PartitionConfig struct {
	BindAddr   string        `mapstructure:"bind_addr"`
	HTTPAddr   string        `mapstructure:"http_addr"`
	Peers      []string      `mapstructure:"peers"`
	Bootstrap  bool          `mapstructure:"bootstrap"`
	LeaseTTL   time.Duration `mapstructure:"lease_ttl"`
	SweepEvery time.Duration `mapstructure:"sweep_every"`
}

// ConvergeConfig bounds the convergence loop.
type ConvergeConfig struct {
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SelfHealInterval time.Duration `mapstructure:"self_heal_interval"`
	StoreBackoff     time.Duration `mapstructure:"store_backoff"`
	PendingDeadline  time.Duration `mapstructure:"pending_deadline"`
	StepConcurrency  int           `mapstructure:"step_concurrency"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryBase        time.Duration `mapstructure:"retry_base"`
	RetryMax         time.Duration `mapstructure:"retry_max"`
}

// ProviderConfig points at the cloud the engine converges against. When
// AuthEndpoint is set, requests carry tokens issued by that identity
// service.
type ProviderConfig struct {
	Endpoint     string `mapstructure:"endpoint"`
	AuthEndpoint string `mapstructure:"auth_endpoint"`
	AuthUsername string `mapstructure:"auth_username"`
	AuthAPIKey   string `mapstructure:"auth_api_key"`
}

// APIConfig configures the HTTP status surface. RootURL is the externally
// advertised base URL, used to render webhook capability URLs.
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	RootURL    string `mapstructure:"root_url"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:         "/var/lib/surge",
		BootstrapSchema: true,
		Partition: PartitionConfig{
			BindAddr:   "127.0.0.1:7080",
			HTTPAddr:   "127.0.0.1:7081",
			Bootstrap:  false,
			LeaseTTL:   30 * time.Second,
			SweepEvery: 5 * time.Second,
		},
		Converge: ConvergeConfig{
			MaxConcurrent:    8,
			PollInterval:     2 * time.Second,
			SelfHealInterval: time.Minute,
			StoreBackoff:     5 * time.Second,
			PendingDeadline:  time.Hour,
			StepConcurrency:  4,
			MaxAttempts:      5,
			RetryBase:        200 * time.Millisecond,
			RetryMax:         10 * time.Second,
		},
		Provider: ProviderConfig{
			Endpoint: "http://127.0.0.1:8774",
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:7090",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers the built-in defaults with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("bootstrap_schema", defaults.BootstrapSchema)

	viper.SetDefault("partition.bind_addr", defaults.Partition.BindAddr)
	viper.SetDefault("partition.http_addr", defaults.Partition.HTTPAddr)
	viper.SetDefault("partition.peers", defaults.Partition.Peers)
	viper.SetDefault("partition.bootstrap", defaults.Partition.Bootstrap)
	viper.SetDefault("partition.lease_ttl", defaults.Partition.LeaseTTL)
	viper.SetDefault("partition.sweep_every", defaults.Partition.SweepEvery)

	viper.SetDefault("converge.max_concurrent", defaults.Converge.MaxConcurrent)
	viper.SetDefault("converge.poll_interval", defaults.Converge.PollInterval)
	viper.SetDefault("converge.self_heal_interval", defaults.Converge.SelfHealInterval)
	viper.SetDefault("converge.store_backoff", defaults.Converge.StoreBackoff)
	viper.SetDefault("converge.pending_deadline", defaults.Converge.PendingDeadline)
	viper.SetDefault("converge.step_concurrency", defaults.Converge.StepConcurrency)
	viper.SetDefault("converge.max_attempts", defaults.Converge.MaxAttempts)
	viper.SetDefault("converge.retry_base", defaults.Converge.RetryBase)
	viper.SetDefault("converge.retry_max", defaults.Converge.RetryMax)

	viper.SetDefault("provider.endpoint", defaults.Provider.Endpoint)
	viper.SetDefault("provider.auth_endpoint", defaults.Provider.AuthEndpoint)
	viper.SetDefault("provider.auth_username", defaults.Provider.AuthUsername)
	viper.SetDefault("provider.auth_api_key", defaults.Provider.AuthAPIKey)
	viper.SetDefault("api.listen_addr", defaults.API.ListenAddr)
	viper.SetDefault("api.root_url", defaults.API.RootURL)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.pretty", defaults.Logging.Pretty)
}

// Load reads configuration from the optional YAML file at path, the
// SURGE_ environment, and the defaults, in increasing priority of
// environment over file over defaults.
func Load(path string) (*Config, error) {
	SetDefaults()

	viper.SetEnvPrefix("SURGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Partition.LeaseTTL <= 0 {
		return fmt.Errorf("partition.lease_ttl must be positive")
	}
	if c.Converge.MaxConcurrent < 1 {
		return fmt.Errorf("converge.max_concurrent must be at least 1")
	}
	if c.Converge.StepConcurrency < 1 {
		return fmt.Errorf("converge.step_concurrency must be at least 1")
	}
	if c.Converge.MaxAttempts < 1 {
		return fmt.Errorf("converge.max_attempts must be at least 1")
	}
	if c.Provider.Endpoint == "" {
		return fmt.Errorf("provider.endpoint is required")
	}
	return nil
}
