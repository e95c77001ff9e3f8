package marketd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/ReignProtocol/ReignProtocol/chain"
	"github.com/ReignProtocol/ReignProtocol/observability/logging"
	"github.com/ReignProtocol/ReignProtocol/wallet"
)

const envPrefix = "REIGN_"

// Duration wraps time.Duration so both YAML and TOML accept strings like "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the marketd runtime configuration.
type Config struct {
	Networks      []chain.Network  `yaml:"networks" toml:"networks"`
	TargetChainID uint64           `yaml:"target_chain_id" toml:"target_chain_id"`
	Contracts     ContractsConfig  `yaml:"contracts" toml:"contracts"`
	Wallet        WalletConfig     `yaml:"wallet" toml:"wallet"`
	Connectors    ConnectorsConfig `yaml:"connectors" toml:"connectors"`
	Drafts        DraftsConfig     `yaml:"drafts" toml:"drafts"`
	HTTP          HTTPConfig       `yaml:"http" toml:"http"`
	Auth          AuthConfig       `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
	Log           LogConfig        `yaml:"log" toml:"log"`
}

type ContractsConfig struct {
	OpportunityManager string `yaml:"opportunity_manager" toml:"opportunity_manager"`
	USDCToken          string `yaml:"usdc_token" toml:"usdc_token"`
}

type WalletConfig struct {
	Kind             string `yaml:"kind" toml:"kind"`
	KeystoreDir      string `yaml:"keystore_dir" toml:"keystore_dir"`
	Account          string `yaml:"account" toml:"account"`
	PassphraseEnv    string `yaml:"passphrase_env" toml:"passphrase_env"`
	ExternalEndpoint string `yaml:"external_endpoint" toml:"external_endpoint"`
	Preferred        string `yaml:"preferred" toml:"preferred"`
}

type ConnectorsConfig struct {
	Concurrency   int      `yaml:"concurrency" toml:"concurrency"`
	Confirmations uint64   `yaml:"confirmations" toml:"confirmations"`
	CallTimeout   Duration `yaml:"call_timeout" toml:"call_timeout"`
	PoolNameCache int      `yaml:"pool_name_cache" toml:"pool_name_cache"`
}

type DraftsConfig struct {
	DSN string `yaml:"dsn" toml:"dsn"`
}

type HTTPConfig struct {
	Listen         string   `yaml:"listen" toml:"listen"`
	ReadTimeout    Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout" toml:"write_timeout"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout"`
	CORSOrigins    []string `yaml:"cors_origins" toml:"cors_origins"`
	LogRequests    bool     `yaml:"log_requests" toml:"log_requests"`
}

type AuthConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	HMACSecretEnv string `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer        string `yaml:"issuer" toml:"issuer"`
	Audience      string `yaml:"audience" toml:"audience"`

	// HMACSecret is resolved from HMACSecretEnv at load time.
	HMACSecret string `yaml:"-" toml:"-"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

type LogConfig struct {
	Level     string `yaml:"level" toml:"level"`
	File      string `yaml:"file" toml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" toml:"max_size_mb"`
}

// DefaultConfig returns a configuration for the Amoy testnet with a local
// sqlite draft store.
func DefaultConfig() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// LoadConfig reads the configuration file, applies defaults and REIGN_*
// environment overrides, then validates the result. An empty path yields the
// defaults with overrides applied.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if _, err := toml.Decode(string(data), &cfg); err != nil {
				return cfg, fmt.Errorf("decode toml config: %w", err)
			}
		case ".yaml", ".yml", "":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("decode yaml config: %w", err)
			}
		default:
			return cfg, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if cfg.Auth.HMACSecretEnv != "" {
		cfg.Auth.HMACSecret = strings.TrimSpace(os.Getenv(cfg.Auth.HMACSecretEnv))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.Networks) == 0 {
		cfg.Networks = []chain.Network{chain.DefaultNetwork()}
	}
	if cfg.TargetChainID == 0 {
		cfg.TargetChainID = chain.DefaultChainID
	}
	if cfg.Wallet.Kind == "" {
		cfg.Wallet.Kind = string(wallet.KindKeystore)
	}
	if cfg.Wallet.PassphraseEnv == "" {
		cfg.Wallet.PassphraseEnv = "REIGN_KEYSTORE_PASSPHRASE"
	}
	if cfg.Connectors.Concurrency <= 0 {
		cfg.Connectors.Concurrency = 8
	}
	if cfg.Connectors.Confirmations == 0 {
		cfg.Connectors.Confirmations = 1
	}
	if cfg.Connectors.CallTimeout.Duration == 0 {
		cfg.Connectors.CallTimeout.Duration = 15 * time.Second
	}
	if cfg.Connectors.PoolNameCache <= 0 {
		cfg.Connectors.PoolNameCache = 256
	}
	if cfg.Drafts.DSN == "" {
		cfg.Drafts.DSN = "file:reign-drafts.db?_pragma=busy_timeout(5000)"
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = ":8080"
	}
	if cfg.HTTP.ReadTimeout.Duration == 0 {
		cfg.HTTP.ReadTimeout.Duration = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout.Duration == 0 {
		cfg.HTTP.WriteTimeout.Duration = 2 * time.Minute
	}
	if cfg.HTTP.RequestTimeout.Duration == 0 {
		cfg.HTTP.RequestTimeout.Duration = 90 * time.Second
	}
	if cfg.Auth.HMACSecretEnv == "" {
		cfg.Auth.HMACSecretEnv = "REIGN_JWT_SECRET"
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("CONTRACTS_OPPORTUNITY_MANAGER", &cfg.Contracts.OpportunityManager)
	str("CONTRACTS_USDC_TOKEN", &cfg.Contracts.USDCToken)
	str("WALLET_KIND", &cfg.Wallet.Kind)
	str("WALLET_KEYSTORE_DIR", &cfg.Wallet.KeystoreDir)
	str("WALLET_ACCOUNT", &cfg.Wallet.Account)
	str("WALLET_EXTERNAL_ENDPOINT", &cfg.Wallet.ExternalEndpoint)
	str("WALLET_PREFERRED", &cfg.Wallet.Preferred)
	str("DRAFTS_DSN", &cfg.Drafts.DSN)
	str("HTTP_LISTEN", &cfg.HTTP.Listen)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FILE", &cfg.Log.File)

	if v, ok := lookup(envPrefix + "TARGET_CHAIN_ID"); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("parse %sTARGET_CHAIN_ID: %w", envPrefix, err)
		}
		cfg.TargetChainID = id
	}
	if v, ok := lookup(envPrefix + "RPC_URL"); ok && strings.TrimSpace(v) != "" {
		// Overrides the RPC endpoint of the target network only.
		if len(cfg.Networks) == 0 {
			cfg.Networks = []chain.Network{chain.DefaultNetwork()}
		}
		target := cfg.TargetChainID
		if target == 0 {
			target = chain.DefaultChainID
		}
		for i := range cfg.Networks {
			if cfg.Networks[i].ChainID == target {
				cfg.Networks[i].RPCURL = strings.TrimSpace(v)
			}
		}
	}
	if v, ok := lookup(envPrefix + "AUTH_ENABLED"); ok && strings.TrimSpace(v) != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %sAUTH_ENABLED: %w", envPrefix, err)
		}
		cfg.Auth.Enabled = enabled
	}
	return nil
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if !common.IsHexAddress(c.Contracts.OpportunityManager) {
		return errors.New("contracts.opportunity_manager must be a hex address")
	}
	if !common.IsHexAddress(c.Contracts.USDCToken) {
		return errors.New("contracts.usdc_token must be a hex address")
	}
	found := false
	for _, network := range c.Networks {
		if network.ChainID == c.TargetChainID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("target_chain_id %d is not among the configured networks", c.TargetChainID)
	}
	kind, err := wallet.ParseKind(c.Wallet.Kind)
	if err != nil {
		return fmt.Errorf("wallet.kind: %w", err)
	}
	switch kind {
	case wallet.KindKeystore:
		if strings.TrimSpace(c.Wallet.KeystoreDir) == "" {
			return errors.New("wallet.keystore_dir required for keystore wallets")
		}
	case wallet.KindExternal:
		if strings.TrimSpace(c.Wallet.ExternalEndpoint) == "" {
			return errors.New("wallet.external_endpoint required for external wallets")
		}
	}
	if c.Wallet.Preferred != "" {
		if _, err := wallet.ParseKind(c.Wallet.Preferred); err != nil {
			return fmt.Errorf("wallet.preferred: %w", err)
		}
	}
	if c.Auth.Enabled && c.Auth.HMACSecret == "" {
		return fmt.Errorf("auth enabled but %s is empty", c.Auth.HMACSecretEnv)
	}
	return nil
}

// Sanitized returns a copy safe to log: RPC URLs, the external signer
// endpoint and the draft DSN lose credentials, and the JWT secret is masked.
func (c Config) Sanitized() Config {
	out := c
	out.Networks = make([]chain.Network, len(c.Networks))
	for i, network := range c.Networks {
		network.RPCURL = logging.MaskURL(network.RPCURL)
		out.Networks[i] = network
	}
	out.Wallet.ExternalEndpoint = logging.MaskURL(c.Wallet.ExternalEndpoint)
	if strings.Contains(c.Drafts.DSN, "://") {
		out.Drafts.DSN = logging.MaskURL(c.Drafts.DSN)
	}
	out.Auth.HMACSecret = logging.MaskValue(c.Auth.HMACSecret)
	return out
}
