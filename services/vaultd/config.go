package vaultd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"treasuryvault/native/vault"
	"treasuryvault/observability/logging"
	telemetry "treasuryvault/observability/otel"
	"treasuryvault/storage"
)

// Wallet modes.
const (
	WalletModeBook = "book"
	WalletModeEVM  = "evm"
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

// Config captures the runtime configuration for vaultd.
type Config struct {
	ListenAddress   string           `yaml:"listen" toml:"listen"`
	Environment     string           `yaml:"env" toml:"env"`
	Asset           AssetConfig      `yaml:"asset" toml:"asset"`
	Creator         string           `yaml:"creator" toml:"creator"`
	Storage         storage.Config   `yaml:"storage" toml:"storage"`
	Auth            AuthConfig       `yaml:"auth" toml:"auth"`
	Wallet          WalletConfig     `yaml:"wallet" toml:"wallet"`
	RateLimit       RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
	Stream          StreamConfig     `yaml:"stream" toml:"stream"`
	Log             logging.Config   `yaml:"log" toml:"log"`
	Telemetry       telemetry.Config `yaml:"telemetry" toml:"telemetry"`
	ShutdownTimeout Duration         `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// AssetConfig names the asset the vault is bound to on first start.
type AssetConfig struct {
	Code     string `yaml:"code" toml:"code"`
	Token    string `yaml:"token" toml:"token"`
	Decimals uint8  `yaml:"decimals" toml:"decimals"`
}

// AuthConfig configures bearer JWT verification.
type AuthConfig struct {
	Issuer       string   `yaml:"issuer" toml:"issuer"`
	Audience     []string `yaml:"audience" toml:"audience"`
	HSSecret     string   `yaml:"hs_secret" toml:"hs_secret"`
	HSSecretFile string   `yaml:"hs_secret_file" toml:"hs_secret_file"`
	HSSecretEnv  string   `yaml:"hs_secret_env" toml:"hs_secret_env"`
	Leeway       Duration `yaml:"leeway" toml:"leeway"`
}

// WalletConfig selects the transfer implementation. A non-empty Treasury pays
// through the contract's payoutToUser instead of a plain token transfer.
type WalletConfig struct {
	Mode          string   `yaml:"mode" toml:"mode"`
	Endpoint      string   `yaml:"endpoint" toml:"endpoint"`
	ChainID       uint64   `yaml:"chain_id" toml:"chain_id"`
	SignerKey     string   `yaml:"signer_key" toml:"signer_key"`
	SignerKeyFile string   `yaml:"signer_key_file" toml:"signer_key_file"`
	SignerKeyEnv  string   `yaml:"signer_key_env" toml:"signer_key_env"`
	GasLimit      uint64   `yaml:"gas_limit" toml:"gas_limit"`
	Treasury      string   `yaml:"treasury" toml:"treasury"`
	Confirmations uint64   `yaml:"confirmations" toml:"confirmations"`
	PollInterval  Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// RateLimitConfig bounds request rates per authenticated caller.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// StreamConfig controls the settlement record websocket.
type StreamConfig struct {
	Buffer int `yaml:"buffer" toml:"buffer"`
	// BacklogPage is the number of records replayed per store read.
	BacklogPage int `yaml:"backlog_page" toml:"backlog_page"`
}

// Genesis converts the asset and creator settings into a vault genesis.
func (c Config) Genesis() vault.Genesis {
	return vault.Genesis{
		Asset: vault.Asset{
			Code:     c.Asset.Code,
			Token:    common.HexToAddress(c.Asset.Token),
			Decimals: c.Asset.Decimals,
		},
		Creator: common.HexToAddress(c.Creator),
	}
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Wallet.normalise(); err != nil {
		return cfg, fmt.Errorf("wallet: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = storage.DriverSQLite
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == storage.DriverSQLite {
		cfg.Storage.DSN = "vaultd.db"
	}
	if cfg.Wallet.Mode == "" {
		cfg.Wallet.Mode = WalletModeBook
	}
	if cfg.Wallet.PollInterval.Duration == 0 {
		cfg.Wallet.PollInterval.Duration = 3 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 50
	}
	if cfg.Stream.Buffer <= 0 {
		cfg.Stream.Buffer = 64
	}
	if cfg.Stream.BacklogPage <= 0 {
		cfg.Stream.BacklogPage = 200
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	cfg.Wallet.Mode = strings.ToLower(strings.TrimSpace(cfg.Wallet.Mode))
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Asset.Code) == "" {
		return fmt.Errorf("asset.code must be configured")
	}
	if token := strings.TrimSpace(cfg.Asset.Token); token != "" && !common.IsHexAddress(token) {
		return fmt.Errorf("asset.token must be a hex address")
	}
	if !common.IsHexAddress(strings.TrimSpace(cfg.Creator)) {
		return fmt.Errorf("creator must be a hex address")
	}
	if (common.HexToAddress(cfg.Creator) == common.Address{}) {
		return fmt.Errorf("creator must not be the zero address")
	}
	if cfg.Auth.HSSecret == "" {
		return fmt.Errorf("auth.hs_secret must be configured")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	switch cfg.Wallet.Mode {
	case WalletModeBook:
	case WalletModeEVM:
		if strings.TrimSpace(cfg.Wallet.Endpoint) == "" {
			return fmt.Errorf("wallet.endpoint must be configured for evm mode")
		}
		if cfg.Wallet.ChainID == 0 {
			return fmt.Errorf("wallet.chain_id must be configured for evm mode")
		}
		if cfg.Wallet.SignerKey == "" {
			return fmt.Errorf("wallet signer key must be configured for evm mode")
		}
		if treasury := strings.TrimSpace(cfg.Wallet.Treasury); treasury != "" {
			if !common.IsHexAddress(treasury) {
				return fmt.Errorf("wallet.treasury must be a hex address")
			}
		} else if strings.TrimSpace(cfg.Asset.Token) == "" {
			return fmt.Errorf("asset.token must be configured for evm mode")
		}
	default:
		return fmt.Errorf("unknown wallet.mode %q", cfg.Wallet.Mode)
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	secret, err := resolveSecret("hs_secret", a.HSSecret, a.HSSecretEnv, a.HSSecretFile)
	if err != nil {
		return err
	}
	a.HSSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	return nil
}

func (w *WalletConfig) normalise() error {
	if w.Mode != WalletModeEVM {
		return nil
	}
	key, err := resolveSecret("signer_key", w.SignerKey, w.SignerKeyEnv, w.SignerKeyFile)
	if err != nil {
		return err
	}
	w.SignerKey = key
	return nil
}

// resolveSecret prefers the inline value, then the environment variable, then the file.
func resolveSecret(name, inline, envKey, path string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if envKey = strings.TrimSpace(envKey); envKey != "" {
		value := strings.TrimSpace(os.Getenv(envKey))
		if value == "" {
			return "", fmt.Errorf("%s_env %s is empty", name, envKey)
		}
		return value, nil
	}
	if path = strings.TrimSpace(path); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s_file: %w", name, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}
