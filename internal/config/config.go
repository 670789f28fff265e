// Package config provides configuration loading for the orchestrator.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Gnss      GnssConfig      `mapstructure:"gnss"`
	Attest    AttestConfig    `mapstructure:"attest"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Fulfiller FulfillerConfig `mapstructure:"fulfiller"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
}

// Production reports whether the server runs in production mode. Error
// details are suppressed from HTTP responses in production.
func (c ServerConfig) Production() bool {
	return c.Environment == "prod"
}

// LedgerConfig holds chain RPC and contract configuration.
type LedgerConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ChainID         int64         `mapstructure:"chain_id"`
	EscrowContract  string        `mapstructure:"escrow_contract"`
	OracleKeyHex    string        `mapstructure:"oracle_key"`
	RPCTimeout      time.Duration `mapstructure:"rpc_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Confirmations   uint64        `mapstructure:"confirmations"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
}

// RedisConfig holds Redis configuration for the poll cursor and rate limits.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuditConfig holds the off-ledger audit store configuration. The store is
// optional; with Enabled false the orchestrator logs artefacts only.
type AuditConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c AuditConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the postgres:// URL used by the migration tooling.
func (c AuditConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// GnssConfig holds the GNSS authenticator backend configuration.
type GnssConfig struct {
	BackendURL          string        `mapstructure:"backend_url"`
	APIKey              string        `mapstructure:"api_key"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MinSatellites       int           `mapstructure:"min_satellites"`
	CnoStdDevThreshold  float64       `mapstructure:"cno_stddev_threshold"`
	ElevationPowerDelta float64       `mapstructure:"elevation_power_delta"`
	PositionToleranceM  float64       `mapstructure:"position_tolerance_m"`
}

// AttestProviderConfig configures one disaster-data provider endpoint.
type AttestProviderConfig struct {
	Name   string `mapstructure:"name"`
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// AttestConfig holds the event attestation engine configuration.
type AttestConfig struct {
	Providers       []AttestProviderConfig `mapstructure:"providers"`
	ProviderTimeout time.Duration          `mapstructure:"provider_timeout"`
	SearchRadiusKm  float64                `mapstructure:"search_radius_km"`
	MergeRadiusKm   float64                `mapstructure:"merge_radius_km"`
}

// ConsensusNodeConfig configures one LLM panel endpoint.
type ConsensusNodeConfig struct {
	Name    string `mapstructure:"name"`
	Model   string `mapstructure:"model"`
	URL     string `mapstructure:"url"`
	APIKey  string `mapstructure:"api_key"`
	Persona string `mapstructure:"persona"`
}

// ConsensusConfig holds the LLM panel configuration.
type ConsensusConfig struct {
	Nodes       []ConsensusNodeConfig `mapstructure:"nodes"`
	NodeTimeout time.Duration         `mapstructure:"node_timeout"`
	QuorumFloor int                   `mapstructure:"quorum_floor"`
}

// FulfillerEndpointConfig configures one fulfiller dispatch endpoint.
type FulfillerEndpointConfig struct {
	Class        string `mapstructure:"class"` // aerial | human
	URL          string `mapstructure:"url"`
	SharedSecret string `mapstructure:"shared_secret"`
}

// FulfillerConfig holds fulfiller dispatch configuration.
type FulfillerConfig struct {
	Endpoints       []FulfillerEndpointConfig `mapstructure:"endpoints"`
	DispatchTimeout time.Duration             `mapstructure:"dispatch_timeout"`
	DropToleranceM  float64                   `mapstructure:"drop_tolerance_m"`
}

// PipelineConfig holds orchestrator-wide pipeline parameters.
type PipelineConfig struct {
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

// AuthConfig holds bearer-token configuration.
type AuthConfig struct {
	TokenSecret   string        `mapstructure:"token_secret"`
	TokenLifetime time.Duration `mapstructure:"token_lifetime"`
	ClockSkew     time.Duration `mapstructure:"clock_skew"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/aidchain")

	v.SetEnvPrefix("AIDCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Explicit binds for secrets (nested struct issue with viper)
	v.BindEnv("ledger.oracle_key", "AIDCHAIN_LEDGER_ORACLE_KEY")
	v.BindEnv("ledger.rpc_url", "AIDCHAIN_LEDGER_RPC_URL")
	v.BindEnv("auth.token_secret", "AIDCHAIN_AUTH_TOKEN_SECRET")
	v.BindEnv("gnss.api_key", "AIDCHAIN_GNSS_API_KEY")

	// Config file is optional; env and defaults may carry everything.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration constraints that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger.rpc_url is required")
	}
	if c.Ledger.EscrowContract == "" {
		return fmt.Errorf("ledger.escrow_contract is required")
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required")
	}
	if c.Consensus.QuorumFloor < 1 {
		return fmt.Errorf("consensus.quorum_floor must be at least 1")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	// Ledger
	v.SetDefault("ledger.chain_id", 114) // Coston2 testnet
	v.SetDefault("ledger.rpc_timeout", "20s")
	v.SetDefault("ledger.poll_interval", "10s")
	v.SetDefault("ledger.confirmations", 1)
	v.SetDefault("ledger.retry_attempts", 3)
	v.SetDefault("ledger.retry_base_delay", "500ms")

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Audit store
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.host", "localhost")
	v.SetDefault("audit.port", 5432)
	v.SetDefault("audit.user", "aidchain")
	v.SetDefault("audit.database", "aidchain")
	v.SetDefault("audit.ssl_mode", "disable")
	v.SetDefault("audit.max_open_conns", 10)
	v.SetDefault("audit.max_idle_conns", 2)
	v.SetDefault("audit.conn_max_lifetime", "30m")

	// GNSS
	v.SetDefault("gnss.timeout", "15s")
	v.SetDefault("gnss.min_satellites", 4)
	v.SetDefault("gnss.cno_stddev_threshold", 0.5)
	v.SetDefault("gnss.elevation_power_delta", 5.0)
	v.SetDefault("gnss.position_tolerance_m", 50.0)

	// Attestation
	v.SetDefault("attest.provider_timeout", "10s")
	v.SetDefault("attest.search_radius_km", 100.0)
	v.SetDefault("attest.merge_radius_km", 50.0)

	// Consensus
	v.SetDefault("consensus.node_timeout", "30s")
	v.SetDefault("consensus.quorum_floor", 3)

	// Fulfiller
	v.SetDefault("fulfiller.dispatch_timeout", "15s")
	v.SetDefault("fulfiller.drop_tolerance_m", 30.0)

	// Pipeline
	v.SetDefault("pipeline.delivery_timeout", "24h")

	// Auth
	v.SetDefault("auth.token_lifetime", "24h")
	v.SetDefault("auth.clock_skew", "60s")
}
