package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config ties together service, chain and storage settings. All key
// material comes in through the environment and is never logged.
type Config struct {
	Service  ServiceConfig
	Monero   MoneroConfig
	Wrapped  WrappedConfig
	Storage  StorageConfig
	Receipts ReceiptConfig
	Retry    RetryConfig
}

type ServiceConfig struct {
	HTTPPort        int
	HMACSecret      string
	AdminSecret     string
	HMACClockSkew   time.Duration
	CallTimeout     time.Duration
	ConfirmInterval time.Duration
	ConfirmBudget   int
	StaleTakeover   time.Duration
}

type MoneroConfig struct {
	RPCURL           string
	RPCUsername      string
	RPCPassword      string
	AccountIndex     uint32
	TransferPriority uint32
	BridgeAddress    string
	MinConfirmations uint64
	MinSwapAmount    uint64
}

type WrappedConfig struct {
	RPCURL          string
	ContractAddress string
	SignerKey       string
}

type StorageConfig struct {
	PostgresDSN string
}

type ReceiptConfig struct {
	// EncryptionKey is hex-encoded, 32 bytes once decoded.
	EncryptionKey string
	Retention     time.Duration
	PurgeInterval time.Duration
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

// Load reads configuration from an optional xmrbridge.yaml and BRIDGE_*
// environment variables, environment winning.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("xmrbridge")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/xmrbridge")
	v.AddConfigPath(".")

	v.SetDefault("service.http_port", 3000)
	v.SetDefault("service.hmac_clock_skew", "60s")
	v.SetDefault("service.call_timeout", "30s")
	v.SetDefault("service.confirm_interval", "2s")
	v.SetDefault("service.confirm_budget", 30)
	v.SetDefault("service.stale_takeover", "5m")
	v.SetDefault("monero.rpc_url", "http://127.0.0.1:18083/json_rpc")
	v.SetDefault("monero.min_confirmations", 10)
	v.SetDefault("monero.min_swap_amount", 100000000) // 0.0001 XMR
	v.SetDefault("receipts.retention", "720h")
	v.SetDefault("receipts.purge_interval", "1h")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "500ms")
	v.SetDefault("retry.max_backoff", "10s")
	v.SetDefault("retry.backoff_multiplier", 2)

	v.SetEnvPrefix("BRIDGE")
	v.AutomaticEnv()
	bindEnvKeys(v)

	// The config file is optional; environment alone is enough.
	_ = v.ReadInConfig()

	cfg := &Config{
		Service: ServiceConfig{
			HTTPPort:        v.GetInt("service.http_port"),
			HMACSecret:      v.GetString("service.hmac_secret"),
			AdminSecret:     v.GetString("service.admin_secret"),
			HMACClockSkew:   v.GetDuration("service.hmac_clock_skew"),
			CallTimeout:     v.GetDuration("service.call_timeout"),
			ConfirmInterval: v.GetDuration("service.confirm_interval"),
			ConfirmBudget:   v.GetInt("service.confirm_budget"),
			StaleTakeover:   v.GetDuration("service.stale_takeover"),
		},
		Monero: MoneroConfig{
			RPCURL:           v.GetString("monero.rpc_url"),
			RPCUsername:      v.GetString("monero.rpc_username"),
			RPCPassword:      v.GetString("monero.rpc_password"),
			AccountIndex:     v.GetUint32("monero.account_index"),
			TransferPriority: v.GetUint32("monero.transfer_priority"),
			BridgeAddress:    v.GetString("monero.bridge_address"),
			MinConfirmations: v.GetUint64("monero.min_confirmations"),
			MinSwapAmount:    v.GetUint64("monero.min_swap_amount"),
		},
		Wrapped: WrappedConfig{
			RPCURL:          v.GetString("wrapped.rpc_url"),
			ContractAddress: v.GetString("wrapped.contract_address"),
			SignerKey:       v.GetString("wrapped.signer_key"),
		},
		Storage: StorageConfig{
			PostgresDSN: v.GetString("storage.postgres_dsn"),
		},
		Receipts: ReceiptConfig{
			EncryptionKey: v.GetString("receipts.encryption_key"),
			Retention:     v.GetDuration("receipts.retention"),
			PurgeInterval: v.GetDuration("receipts.purge_interval"),
		},
		Retry: RetryConfig{
			MaxAttempts:       v.GetInt("retry.max_attempts"),
			InitialBackoff:    v.GetDuration("retry.initial_backoff"),
			MaxBackoff:        v.GetDuration("retry.max_backoff"),
			BackoffMultiplier: v.GetInt("retry.backoff_multiplier"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvKeys makes nested keys reachable as BRIDGE_SECTION_KEY without a
// config file present.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"service.http_port", "service.hmac_secret", "service.admin_secret",
		"service.hmac_clock_skew", "service.call_timeout",
		"service.confirm_interval", "service.confirm_budget",
		"service.stale_takeover",
		"monero.rpc_url", "monero.rpc_username", "monero.rpc_password",
		"monero.account_index", "monero.transfer_priority",
		"monero.bridge_address", "monero.min_confirmations",
		"monero.min_swap_amount",
		"wrapped.rpc_url", "wrapped.contract_address", "wrapped.signer_key",
		"storage.postgres_dsn",
		"receipts.encryption_key", "receipts.retention",
		"receipts.purge_interval",
		"retry.max_attempts", "retry.initial_backoff", "retry.max_backoff",
		"retry.backoff_multiplier",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

func (c *Config) validate() error {
	if c.Monero.BridgeAddress == "" {
		return fmt.Errorf("monero.bridge_address is required")
	}
	if c.Receipts.EncryptionKey == "" {
		return fmt.Errorf("receipts.encryption_key is required (set BRIDGE_RECEIPTS_ENCRYPTION_KEY)")
	}
	if _, err := c.ReceiptKey(); err != nil {
		return err
	}
	return nil
}

// ReceiptKey decodes the receipt encryption key.
func (c *Config) ReceiptKey() ([]byte, error) {
	key, err := hex.DecodeString(c.Receipts.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("receipts.encryption_key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("receipts.encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
