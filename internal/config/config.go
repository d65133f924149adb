package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Auth     AuthConfig     `yaml:"auth"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Chains   map[string]ChainConfig `yaml:"chains"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Signer   SignerConfig   `yaml:"signer"`
	Prices   PriceConfig    `yaml:"prices"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// NATSConfig message server configuration (optional)
type NATSConfig struct {
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// AuthConfig caller identity and admin auth configuration
type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	BootstrapAdmin   string `yaml:"bootstrap_admin"`    // principal of the first admin
	AdminSecretHash  string `yaml:"admin_secret_hash"`  // bcrypt hash for token minting
	EmergencyTOTPKey string `yaml:"emergency_totp_key"` // TOTP secret for pause/unpause
}

// BridgeConfig quote and reserve policy
type BridgeConfig struct {
	MinQuoteAmount       uint64 `yaml:"min_quote_amount"`       // wei
	MaxQuoteAmount       uint64 `yaml:"max_quote_amount"`       // wei
	QuoteValidityMinutes uint64 `yaml:"quote_validity_minutes"`
	MaxGasPrice          uint64 `yaml:"max_gas_price"`          // wei, circuit breaker
	SafetyMarginPercent  uint64 `yaml:"safety_margin_percent"`
	MinPriorityFee       uint64 `yaml:"min_priority_fee"`       // wei
	MaxRetries           int    `yaml:"max_retries"`
	SourceChain          string `yaml:"source_chain"`
	SourceTokenDecimals  uint32 `yaml:"source_token_decimals"`
	CollectionAccount    string `yaml:"collection_account"` // source-ledger account that receives payments
}

// ChainConfig destination chain configuration
type ChainConfig struct {
	ChainID      uint64   `yaml:"chain_id"`
	Name         string   `yaml:"name"`
	RPCEndpoints []string `yaml:"rpc_endpoints"`
	GasLimit     uint64   `yaml:"gas_limit"` // per plain transfer; calldata calls configure higher
}

// LedgerConfig source-chain ledger service
type LedgerConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout int    `yaml:"timeout"` // seconds
}

// SignerConfig threshold signer configuration
type SignerConfig struct {
	Mode       string `yaml:"mode"`        // "local" or "oracle"
	PrivateKey string `yaml:"private_key"` // hex, local mode only (dev/test)
	OracleURL  string `yaml:"oracle_url"`
	Timeout    int    `yaml:"timeout"` // seconds, default 20
}

// PriceConfig price feed configuration
type PriceConfig struct {
	SourceAsset     string `yaml:"source_asset"` // e.g. "ICP"
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	FreshnessSeconds int   `yaml:"freshness_seconds"`
	CoinMarketCapKey string `yaml:"coinmarketcap_key"`
}

// AppConfig global configuration instance
var AppConfig *Config

// LoadConfig loads configuration from file with environment overrides
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Bridge: BridgeConfig{
			MinQuoteAmount:       1_000_000_000_000_000,     // 0.001 ETH
			MaxQuoteAmount:       1_000_000_000_000_000_000, // 1 ETH
			QuoteValidityMinutes: 15,
			MaxGasPrice:          200_000_000_000, // 200 gwei
			SafetyMarginPercent:  20,
			MinPriorityFee:       1_000_000_000, // 1 gwei
			MaxRetries:           3,
			SourceChain:          "ICP",
			SourceTokenDecimals:  8,
		},
		Prices: PriceConfig{
			SourceAsset:      "ICP",
			CacheTTLSeconds:  30,
			FreshnessSeconds: 60,
		},
		Signer: SignerConfig{Mode: "local", Timeout: 20},
		Ledger: LedgerConfig{Timeout: 10},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("SIGNER_PRIVATE_KEY"); v != "" {
		cfg.Signer.PrivateKey = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

// Validate checks required fields and cross-field consistency
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one destination chain must be configured")
	}
	for name, chain := range c.Chains {
		if chain.ChainID == 0 {
			return fmt.Errorf("chain %s: chain_id is required", name)
		}
		if len(chain.RPCEndpoints) == 0 {
			return fmt.Errorf("chain %s: at least one rpc endpoint is required", name)
		}
	}
	if c.Bridge.MinQuoteAmount == 0 || c.Bridge.MinQuoteAmount >= c.Bridge.MaxQuoteAmount {
		return fmt.Errorf("bridge quote amount bounds are invalid")
	}
	if c.Signer.Mode != "local" && c.Signer.Mode != "oracle" {
		return fmt.Errorf("signer.mode must be \"local\" or \"oracle\"")
	}
	if c.Signer.Mode == "oracle" && c.Signer.OracleURL == "" {
		return fmt.Errorf("signer.oracle_url is required in oracle mode")
	}
	return nil
}

// Chain looks up a destination chain by its display name
func (c *Config) Chain(name string) (ChainConfig, bool) {
	chain, ok := c.Chains[name]
	return chain, ok
}

// SupportedChains returns the configured destination chain names
func (c *Config) SupportedChains() []string {
	names := make([]string, 0, len(c.Chains))
	for name := range c.Chains {
		names = append(names, name)
	}
	return names
}

// QuoteValidity returns the quote validity window as a duration
func (c *Config) QuoteValidity() time.Duration {
	return time.Duration(c.Bridge.QuoteValidityMinutes) * time.Minute
}
