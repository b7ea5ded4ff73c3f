package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/viper"
)

type Config struct {
	Chain     ChainConfig
	Redis     RedisConfig
	Vault     VaultConfig
	Voucher   VoucherConfig
	Reconcile ReconcileConfig
	Server    ServerConfig
}

type ChainConfig struct {
	RPCURL            string `mapstructure:"rpc_url"`
	ChainID           int64  `mapstructure:"chain_id"`
	CreatorPrivateKey string `mapstructure:"creator_private_key"`
	GasTopUpWei       string `mapstructure:"gas_top_up_wei"`
	ReceiptTimeoutSec int64  `mapstructure:"receipt_timeout_sec"`
	TokenA            string `mapstructure:"token_a_address"`
	TokenB            string `mapstructure:"token_b_address"`
	TokenC            string `mapstructure:"token_c_address"`
}

// TokenAddresses returns the configured contract per token kind, skipping
// kinds left empty.
func (c ChainConfig) TokenAddresses() map[string]string {
	out := make(map[string]string, 3)
	for kind, addr := range map[string]string{"A": c.TokenA, "B": c.TokenB, "C": c.TokenC} {
		if addr != "" {
			out[kind] = addr
		}
	}
	return out
}

// GasTopUp parses GasTopUpWei. Empty means no top-up.
func (c ChainConfig) GasTopUp() (*big.Int, error) {
	if c.GasTopUpWei == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(c.GasTopUpWei, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid GAS_TOP_UP_WEI: %q", c.GasTopUpWei)
	}
	return v, nil
}

// CreatorKey parses CreatorPrivateKey, with or without a 0x prefix.
func (c ChainConfig) CreatorKey() (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.CreatorPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid CREATOR_PRIVATE_KEY: %w", err)
	}
	return key, nil
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type VaultConfig struct {
	Path       string `mapstructure:"path"`
	Passphrase string `mapstructure:"passphrase"`
}

type VoucherConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	DefaultTTLSec int64  `mapstructure:"default_ttl_sec"`
	// HostedRedeem exposes /api/redeem and /api/inspect, which receive
	// voucher passwords. Off unless the operator runs a redeemer for users.
	HostedRedeem bool `mapstructure:"hosted_redeem"`
}

type ReconcileConfig struct {
	IntervalSec   int64 `mapstructure:"interval_sec"`
	BatchSize     int   `mapstructure:"batch_size"`
	MonitorPollMs int64 `mapstructure:"monitor_poll_ms"`
	MonitorMaxSec int64 `mapstructure:"monitor_max_sec"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("chain.gas_top_up_wei", "1000000000000000") // 0.001 native
	v.SetDefault("chain.receipt_timeout_sec", 120)
	v.SetDefault("vault.path", "voucher-vault.db")
	v.SetDefault("voucher.default_ttl_sec", 7*24*3600)
	v.SetDefault("voucher.hosted_redeem", false)
	v.SetDefault("reconcile.interval_sec", 300)
	v.SetDefault("reconcile.batch_size", 50)
	v.SetDefault("reconcile.monitor_poll_ms", 2000)
	v.SetDefault("reconcile.monitor_max_sec", 60)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"chain.rpc_url":             "RPC_URL",
		"chain.chain_id":            "CHAIN_ID",
		"chain.creator_private_key": "CREATOR_PRIVATE_KEY",
		"chain.gas_top_up_wei":      "GAS_TOP_UP_WEI",
		"chain.receipt_timeout_sec": "RECEIPT_TIMEOUT_SEC",
		"chain.token_a_address":     "TOKEN_A_ADDRESS",
		"chain.token_b_address":     "TOKEN_B_ADDRESS",
		"chain.token_c_address":     "TOKEN_C_ADDRESS",
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"vault.path":                "VAULT_PATH",
		"vault.passphrase":          "VAULT_PASSPHRASE",
		"voucher.base_url":          "VOUCHER_BASE_URL",
		"voucher.default_ttl_sec":   "VOUCHER_DEFAULT_TTL_SEC",
		"voucher.hosted_redeem":     "HOSTED_REDEEM",
		"reconcile.interval_sec":    "RECONCILE_INTERVAL_SEC",
		"server.port":               "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.CreatorPrivateKey, "CREATOR_PRIVATE_KEY"},
		{c.Vault.Passphrase, "VAULT_PASSPHRASE"},
		{c.Voucher.BaseURL, "VOUCHER_BASE_URL"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	if len(c.Chain.TokenAddresses()) == 0 {
		return fmt.Errorf("required config missing: TOKEN_A_ADDRESS (or TOKEN_B_ADDRESS / TOKEN_C_ADDRESS)")
	}
	if _, err := c.Chain.GasTopUp(); err != nil {
		return err
	}
	if _, err := c.Chain.CreatorKey(); err != nil {
		return err
	}
	return nil
}
