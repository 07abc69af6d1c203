// Package config provides a layered YAML-plus-environment loader for the
// relay, adapted from the teacher's pkg/config package.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the unified configuration for a relay node.
type Config struct {
	Server struct {
		ListenAddr   string `mapstructure:"listen_addr"`
		AdminToken   string `mapstructure:"admin_token"`
	} `mapstructure:"server"`

	Chain struct {
		RPCURL          string `mapstructure:"rpc_url"`
		ChainID         int64  `mapstructure:"chain_id"`
		BridgeContract  string `mapstructure:"bridge_contract"`
		SequencerKeyHex string `mapstructure:"sequencer_key_hex"`
		UseFake         bool   `mapstructure:"use_fake"`
	} `mapstructure:"chain"`

	Store struct {
		GunPeers []string `mapstructure:"gun_peers"`
	} `mapstructure:"store"`

	Bridge struct {
		BatchIntervalSec   int    `mapstructure:"batch_interval_sec"`
		BatchMinWithdrawal int    `mapstructure:"batch_min_withdrawals"`
		MaxBatchSize       int    `mapstructure:"max_batch_size"`
	} `mapstructure:"bridge"`

	Deal struct {
		IPFSGatewayURL string `mapstructure:"ipfs_gateway_url"`
		DiskCacheDir   string `mapstructure:"disk_cache_dir"`
		DataShards     int    `mapstructure:"erasure_data_shards"`
		ParityShards   int    `mapstructure:"erasure_parity_shards"`
	} `mapstructure:"deal"`

	Shared struct {
		GatewayBaseURL      string `mapstructure:"gateway_base_url"`
		CleanupIntervalSec  int    `mapstructure:"cleanup_interval_sec"`
	} `mapstructure:"shared"`

	Reputation struct {
		ResponseBudgetMs  float64 `mapstructure:"response_budget_ms"`
		MinSamples        int     `mapstructure:"min_samples"`
		LongevityFullDays int     `mapstructure:"longevity_full_days"`
	} `mapstructure:"reputation"`

	Auth struct {
		RateLimitMaxAttempts int `mapstructure:"rate_limit_max_attempts"`
		RateLimitWindowSec   int `mapstructure:"rate_limit_window_sec"`
	} `mapstructure:"auth"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// AppConfig holds the configuration loaded via Load.
var AppConfig Config

// Load reads config/default.yaml and optionally merges config/<env>.yaml,
// then overlays environment variables, mirroring the teacher's layered
// pkg/config.Load.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	viper.SetEnvPrefix("RELAY")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &AppConfig, nil
}

// BatchInterval returns the configured batch interval as a time.Duration.
func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.Bridge.BatchIntervalSec) * time.Second
}

// SharedCleanupInterval returns the configured shared-link cleanup interval.
func (c *Config) SharedCleanupInterval() time.Duration {
	return time.Duration(c.Shared.CleanupIntervalSec) * time.Second
}

// AuthRateLimitWindow returns the configured auth-gate rate-limit window.
func (c *Config) AuthRateLimitWindow() time.Duration {
	return time.Duration(c.Auth.RateLimitWindowSec) * time.Second
}
