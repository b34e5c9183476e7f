package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultLogLevel  = "info"
	defaultLogOutput = "stdout"
	defaultDatadir   = ".withdrawd" // Will be prefixed with user's home directory
	defaultDBType    = "pebble"
)

// Config holds the application configuration
type Config struct {
	Web3      Web3Config
	Redis     RedisConfig
	Batch     BatchConfig
	Retry     RetryConfig
	Gas       GasConfig
	Broadcast BroadcastConfig
	Log       LogConfig
	Datadir   string
	DBType    string `mapstructure:"dbtype"`
	Workers   int    `mapstructure:"workers"`
}

// Web3Config holds Ethereum-related configuration
type Web3Config struct {
	PrivKey string            `mapstructure:"privkey"`
	Network string            `mapstructure:"network"`
	RPC     map[string]string `mapstructure:"rpc"` // chain name → endpoint URL
}

// RedisConfig holds the nonce coordination store configuration. An empty
// URL selects the in-memory store (single-process deployments).
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// BatchConfig holds the multicall batching thresholds
type BatchConfig struct {
	Threshold         int    `mapstructure:"threshold"`
	MinBatchSize      int    `mapstructure:"minsize"`
	MinSavingsPercent uint64 `mapstructure:"minsavingspercent"`
	SingleTxGas       uint64 `mapstructure:"singletxgas"`
	BatchBaseGas      uint64 `mapstructure:"basegas"`
	BatchPerTxGas     uint64 `mapstructure:"pertxgas"`
}

// RetryConfig holds the DLQ retry policy
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"maxattempts"`
	InitialDelay time.Duration `mapstructure:"initialdelay"`
	MaxDelay     time.Duration `mapstructure:"maxdelay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// GasConfig holds fee and gas estimation tuning
type GasConfig struct {
	TipPercent    int64  `mapstructure:"tippercent"`
	BufferPercent uint64 `mapstructure:"bufferpercent"`
}

// BroadcastConfig holds the nonce-ordering tuning
type BroadcastConfig struct {
	GapTimeout    time.Duration     `mapstructure:"gaptimeout"`
	Confirmations map[string]uint64 `mapstructure:"confirmations"` // chain name → depth override
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// loadConfig loads configuration from flags, environment variables, and defaults
func loadConfig() (*Config, error) {
	v := viper.New()

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("web3.network", "mainnet")
	v.SetDefault("redis.url", "")
	v.SetDefault("batch.threshold", 3)
	v.SetDefault("batch.minsize", 5)
	v.SetDefault("batch.minsavingspercent", 20)
	v.SetDefault("batch.singletxgas", 65_000)
	v.SetDefault("batch.basegas", 100_000)
	v.SetDefault("batch.pertxgas", 25_000)
	v.SetDefault("retry.maxattempts", 5)
	v.SetDefault("retry.initialdelay", 60*time.Second)
	v.SetDefault("retry.maxdelay", 6*time.Hour)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("gas.tippercent", 10)
	v.SetDefault("gas.bufferpercent", 20)
	v.SetDefault("broadcast.gaptimeout", 5*time.Second)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadirPath)
	v.SetDefault("dbtype", defaultDBType)
	v.SetDefault("workers", 1)

	flag.StringP("web3.privkey", "k", "", "custodial signing key (required)")
	flag.StringP("web3.network", "n", "mainnet", "network to serve (mainnet, testnet)")
	flag.StringToString("web3.rpc", nil, "RPC endpoint per chain (e.g. polygon=https://...,ethereum=https://...)")
	flag.StringP("redis.url", "r", "", "redis URL for the nonce coordinator (empty = in-memory)")
	flag.Int("batch.threshold", 3, "min same-token transfers per cycle to consider batching")
	flag.Int("batch.minsize", 5, "min total messages in a cycle before batching")
	flag.Uint64("batch.minsavingspercent", 20, "min projected gas saving to batch")
	flag.Uint64("batch.singletxgas", 65_000, "gas model: single ERC-20 transfer")
	flag.Uint64("batch.basegas", 100_000, "gas model: batch base cost")
	flag.Uint64("batch.pertxgas", 25_000, "gas model: per-transfer batch cost")
	flag.Int("retry.maxattempts", 5, "max DLQ retries for transient failures")
	flag.Duration("retry.initialdelay", 60*time.Second, "first DLQ retry delay")
	flag.Duration("retry.maxdelay", 6*time.Hour, "DLQ retry delay cap")
	flag.Float64("retry.multiplier", 2.0, "DLQ retry backoff multiplier")
	flag.Int64("gas.tippercent", 10, "priority fee boost percent")
	flag.Uint64("gas.bufferpercent", 20, "gas estimate safety buffer percent")
	flag.Duration("broadcast.gaptimeout", 5*time.Second, "nonce gap timeout before filler transactions")
	flag.StringToInt64("broadcast.confirmations", nil, "confirmation depth override per chain")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for database files")
	flag.String("dbtype", defaultDBType, "database backend (pebble, mongodb, memory)")
	flag.IntP("workers", "w", 1, "worker loops per consuming stage")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "withdrawd\n\n")
		fmt.Fprintf(os.Stderr, "Usage: withdrawd [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, WITHDRAWD_WEB3_PRIVKEY or WITHDRAWD_REDIS_URL\n")
	}

	flag.CommandLine.SortFlags = false
	flag.Parse()

	v.SetEnvPrefix("WITHDRAWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// validateConfig validates the loaded configuration
func validateConfig(cfg *Config) error {
	if cfg.Web3.PrivKey == "" {
		return fmt.Errorf("private key is required (use --web3.privkey or WITHDRAWD_WEB3_PRIVKEY)")
	}
	if cfg.Web3.Network != "mainnet" && cfg.Web3.Network != "testnet" {
		return fmt.Errorf("invalid network %q (mainnet or testnet)", cfg.Web3.Network)
	}
	if len(cfg.Web3.RPC) == 0 {
		return fmt.Errorf("at least one RPC endpoint is required (use --web3.rpc)")
	}
	switch cfg.DBType {
	case "pebble", "mongodb", "memory":
	default:
		return fmt.Errorf("invalid dbtype %q (pebble, mongodb or memory)", cfg.DBType)
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	return nil
}
