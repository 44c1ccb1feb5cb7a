package broadcaster

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"shieldrelay/core/chain"
	"shieldrelay/services/broadcaster/gas"
	"shieldrelay/services/broadcaster/poi"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
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

// Config captures the runtime configuration of the broadcaster daemon.
type Config struct {
	Identifier     string `yaml:"identifier" toml:"identifier"`
	Version        string `yaml:"version" toml:"version"`
	Environment    string `yaml:"environment" toml:"environment"`
	LogLevel       string `yaml:"log_level" toml:"log_level"`
	DataDir        string `yaml:"data_dir" toml:"data_dir"`
	RailgunAddress string `yaml:"railgun_address" toml:"railgun_address"`
	// AllowDebug lets the devLog request flag expose raw error text.
	AllowDebug                bool `yaml:"allow_debug" toml:"allow_debug"`
	RequireMatchingFeeCacheID bool `yaml:"require_matching_fee_cache_id" toml:"require_matching_fee_cache_id"`

	ViewingKey     string `yaml:"viewing_key" toml:"viewing_key"`
	ViewingKeyEnv  string `yaml:"viewing_key_env" toml:"viewing_key_env"`
	ViewingKeyFile string `yaml:"viewing_key_file" toml:"viewing_key_file"`
	WalletKey      string `yaml:"wallet_key" toml:"wallet_key"`
	WalletKeyEnv   string `yaml:"wallet_key_env" toml:"wallet_key_env"`
	WalletKeyFile  string `yaml:"wallet_key_file" toml:"wallet_key_file"`

	// WalletKeystore is an encrypted v3 keystore used instead of WalletKey.
	WalletKeystore      string `yaml:"wallet_keystore" toml:"wallet_keystore"`
	WalletPassphraseEnv string `yaml:"wallet_passphrase_env" toml:"wallet_passphrase_env"`

	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Fees      FeesConfig      `yaml:"fees" toml:"fees"`
	Gas       GasConfig       `yaml:"gas" toml:"gas"`
	POI       POIConfig       `yaml:"poi" toml:"poi"`
	Refresh   RefreshConfig   `yaml:"refresh" toml:"refresh"`
	Admin     AdminConfig     `yaml:"admin" toml:"admin"`
	Chains    []ChainConfig   `yaml:"chains" toml:"chains"`
}

// TransportConfig selects and tunes the pub/sub transport.
type TransportConfig struct {
	// Kind is "libp2p" or "memory".
	Kind         string   `yaml:"kind" toml:"kind"`
	Namespace    string   `yaml:"namespace" toml:"namespace"`
	PubsubTopic  string   `yaml:"pubsub_topic" toml:"pubsub_topic"`
	ListenAddrs  []string `yaml:"listen_addrs" toml:"listen_addrs"`
	Bootstrap    []string `yaml:"bootstrap" toml:"bootstrap"`
	InboxSize    int      `yaml:"inbox_size" toml:"inbox_size"`
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
	// RateLimit caps handled messages per second.
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	Burst     int     `yaml:"burst" toml:"burst"`
}

// FeesConfig tunes fee quotes and their broadcast.
type FeesConfig struct {
	QuoteTTL          Duration `yaml:"quote_ttl" toml:"quote_ttl"`
	ProfitBps         int64    `yaml:"profit_bps" toml:"profit_bps"`
	VarianceLowerBps  int64    `yaml:"variance_lower_bps" toml:"variance_lower_bps"`
	BroadcastInterval Duration `yaml:"broadcast_interval" toml:"broadcast_interval"`
	BroadcastTimeout  Duration `yaml:"broadcast_timeout" toml:"broadcast_timeout"`
	MetricsInterval   Duration `yaml:"metrics_interval" toml:"metrics_interval"`
}

// GasConfig configures the optional gas price API.
type GasConfig struct {
	APIURL    string   `yaml:"api_url" toml:"api_url"`
	APIKey    string   `yaml:"api_key" toml:"api_key"`
	APIKeyEnv string   `yaml:"api_key_env" toml:"api_key_env"`
	RetryMax  int      `yaml:"retry_max" toml:"retry_max"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
}

// POIConfig configures the POI node and the assurance loop.
type POIConfig struct {
	NodeURL      string   `yaml:"node_url" toml:"node_url"`
	Interval     Duration `yaml:"interval" toml:"interval"`
	MaxAge       Duration `yaml:"max_age" toml:"max_age"`
	TxidVersions []string `yaml:"txid_versions" toml:"txid_versions"`
	ListKeys     []string `yaml:"list_keys" toml:"list_keys"`
}

// RefreshConfig sets the price and balance refresh cadence.
type RefreshConfig struct {
	PriceFeedURL    string   `yaml:"price_feed_url" toml:"price_feed_url"`
	PriceInterval   Duration `yaml:"price_interval" toml:"price_interval"`
	BalanceInterval Duration `yaml:"balance_interval" toml:"balance_interval"`
}

// AdminConfig configures the operator HTTP API.
type AdminConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// ChainConfig describes one served chain.
type ChainConfig struct {
	Type           uint8         `yaml:"type" toml:"type"`
	ID             uint64        `yaml:"id" toml:"id"`
	RPCURL         string        `yaml:"rpc_url" toml:"rpc_url"`
	GasType        string        `yaml:"gas_type" toml:"gas_type"`
	RequirePOI     bool          `yaml:"require_poi" toml:"require_poi"`
	UseGasAPI      bool          `yaml:"use_gas_api" toml:"use_gas_api"`
	MinPriorityFee string        `yaml:"min_priority_fee" toml:"min_priority_fee"`
	MaxRetryBuffer string        `yaml:"max_retry_buffer" toml:"max_retry_buffer"`
	MinBalance     string        `yaml:"min_balance" toml:"min_balance"`
	RelayAdapt     string        `yaml:"relay_adapt" toml:"relay_adapt"`
	GasTokenPrice  string        `yaml:"gas_token_price" toml:"gas_token_price"`
	Tokens         []TokenConfig `yaml:"tokens" toml:"tokens"`
}

// TokenConfig is a fee token accepted on a chain.
type TokenConfig struct {
	Address  string `yaml:"address" toml:"address"`
	Decimals uint8  `yaml:"decimals" toml:"decimals"`
	Price    string `yaml:"price" toml:"price"`
}

// Chain returns the chain identity.
func (c ChainConfig) Chain() chain.ID {
	return chain.New(chain.Type(c.Type), c.ID)
}

// LoadConfig reads configuration from path. Files ending in .toml are decoded
// as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(contents), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Identifier == "" {
		cfg.Identifier = "shieldrelay"
	}
	if cfg.Version == "" {
		cfg.Version = "8.0.0"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = "libp2p"
	}
	if cfg.Transport.Namespace == "" {
		cfg.Transport.Namespace = chain.DefaultNamespace
	}
	if cfg.Transport.PollInterval.Duration == 0 {
		cfg.Transport.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Transport.RateLimit <= 0 {
		cfg.Transport.RateLimit = 50
	}
	if cfg.Transport.Burst <= 0 {
		cfg.Transport.Burst = 100
	}
	if cfg.Fees.QuoteTTL.Duration == 0 {
		cfg.Fees.QuoteTTL.Duration = 5 * time.Minute
	}
	if cfg.Fees.ProfitBps == 0 {
		cfg.Fees.ProfitBps = 1_000
	}
	if cfg.Fees.VarianceLowerBps == 0 {
		cfg.Fees.VarianceLowerBps = 1_000
	}
	if cfg.Fees.BroadcastInterval.Duration == 0 {
		cfg.Fees.BroadcastInterval.Duration = 15 * time.Second
	}
	if cfg.Fees.BroadcastTimeout.Duration == 0 {
		cfg.Fees.BroadcastTimeout.Duration = 10 * time.Second
	}
	if cfg.Fees.MetricsInterval.Duration == 0 {
		cfg.Fees.MetricsInterval.Duration = time.Minute
	}
	if cfg.Gas.Timeout.Duration == 0 {
		cfg.Gas.Timeout.Duration = gas.DefaultTimeout
	}
	if cfg.Gas.RetryMax == 0 {
		cfg.Gas.RetryMax = gas.DefaultAPIRetryMax
	}
	if cfg.POI.Interval.Duration == 0 {
		cfg.POI.Interval.Duration = poi.DefaultInterval
	}
	if cfg.POI.MaxAge.Duration == 0 {
		cfg.POI.MaxAge.Duration = poi.DefaultMaxAge
	}
	if len(cfg.POI.TxidVersions) == 0 {
		cfg.POI.TxidVersions = []string{poi.DefaultTxidVersion}
	}
	if cfg.Refresh.PriceInterval.Duration == 0 {
		cfg.Refresh.PriceInterval.Duration = 30 * time.Second
	}
	if cfg.Refresh.BalanceInterval.Duration == 0 {
		cfg.Refresh.BalanceInterval.Duration = time.Minute
	}
	if cfg.Admin.Listen == "" {
		cfg.Admin.Listen = ":7090"
	}
	for i := range cfg.Chains {
		if cfg.Chains[i].MaxRetryBuffer == "" {
			// 5 gwei.
			cfg.Chains[i].MaxRetryBuffer = "5000000000"
		}
	}
}

func (c *Config) resolveSecrets() error {
	var err error
	if c.ViewingKey, err = resolveSecret("viewing_key", c.ViewingKey, c.ViewingKeyEnv, c.ViewingKeyFile); err != nil {
		return err
	}
	if c.WalletKeystore == "" {
		if c.WalletKey, err = resolveSecret("wallet_key", c.WalletKey, c.WalletKeyEnv, c.WalletKeyFile); err != nil {
			return err
		}
	}
	if c.Gas.APIKeyEnv != "" && c.Gas.APIKey == "" {
		c.Gas.APIKey = strings.TrimSpace(os.Getenv(c.Gas.APIKeyEnv))
	}
	return nil
}

// resolveSecret prefers the inline value, then the environment variable, then
// the file.
func resolveSecret(name, inline, envName, file string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	switch {
	case strings.TrimSpace(envName) != "":
		value := strings.TrimSpace(os.Getenv(strings.TrimSpace(envName)))
		if value == "" {
			return "", fmt.Errorf("%s_env %s is empty", name, envName)
		}
		return value, nil
	case strings.TrimSpace(file) != "":
		contents, err := os.ReadFile(strings.TrimSpace(file))
		if err != nil {
			return "", fmt.Errorf("read %s_file: %w", name, err)
		}
		return strings.TrimSpace(string(contents)), nil
	default:
		return "", fmt.Errorf("%s is required", name)
	}
}

func validateConfig(cfg Config) error {
	var result *multierror.Error
	if cfg.Transport.Kind != "libp2p" && cfg.Transport.Kind != "memory" {
		result = multierror.Append(result, fmt.Errorf("transport.kind must be libp2p or memory"))
	}
	if cfg.Fees.VarianceLowerBps < 0 || cfg.Fees.VarianceLowerBps >= 10_000 {
		result = multierror.Append(result, fmt.Errorf("fees.variance_lower_bps must be in [0, 10000)"))
	}
	if len(cfg.Chains) == 0 {
		result = multierror.Append(result, fmt.Errorf("at least one chain must be configured"))
	}
	seen := make(map[chain.ID]struct{}, len(cfg.Chains))
	for _, c := range cfg.Chains {
		id := c.Chain()
		if _, dup := seen[id]; dup {
			result = multierror.Append(result, fmt.Errorf("chain %s configured twice", id))
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(c.RPCURL) == "" {
			result = multierror.Append(result, fmt.Errorf("chain %s: rpc_url required", id))
		}
		if _, err := gas.ParseType(c.GasType); err != nil {
			result = multierror.Append(result, fmt.Errorf("chain %s: %w", id, err))
		}
		for _, field := range []struct{ name, value string }{
			{"min_priority_fee", c.MinPriorityFee},
			{"max_retry_buffer", c.MaxRetryBuffer},
			{"min_balance", c.MinBalance},
		} {
			if _, err := parseWei(field.value); err != nil {
				result = multierror.Append(result, fmt.Errorf("chain %s: %s: %w", id, field.name, err))
			}
		}
		if c.RelayAdapt != "" && !common.IsHexAddress(c.RelayAdapt) {
			result = multierror.Append(result, fmt.Errorf("chain %s: relay_adapt is not an address", id))
		}
		if len(c.Tokens) == 0 {
			result = multierror.Append(result, fmt.Errorf("chain %s: at least one fee token required", id))
		}
		for _, token := range c.Tokens {
			if !common.IsHexAddress(token.Address) {
				result = multierror.Append(result, fmt.Errorf("chain %s: token %q is not an address", id, token.Address))
			}
		}
	}
	if cfg.POI.NodeURL == "" {
		for _, c := range cfg.Chains {
			if c.RequirePOI {
				result = multierror.Append(result, fmt.Errorf("chain %s requires poi but poi.node_url is empty", c.Chain()))
			}
		}
	}
	return result.ErrorOrNil()
}

// parseWei parses an optional decimal wei amount. Empty means nil.
func parseWei(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", raw)
	}
	return value, nil
}
