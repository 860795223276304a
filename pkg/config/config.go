package config

// Package config provides a reusable loader for Aleph CCN configuration files
// and environment variables. The YAML layout mirrors the sections consumed by
// the core package; environment variables override file values.

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"aleph-network/pkg/utils"
)

// ChainConfig describes one on-chain message source.
type ChainConfig struct {
	Name              string        `mapstructure:"name" yaml:"name"`
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	RPCEndpoint       string        `mapstructure:"rpc_endpoint" yaml:"rpc_endpoint"`
	ContractAddress   string        `mapstructure:"contract_address" yaml:"contract_address"`
	TokenAddress      string        `mapstructure:"token_address" yaml:"token_address"`
	StartHeight       uint64        `mapstructure:"start_height" yaml:"start_height"`
	ConfirmationDepth uint64        `mapstructure:"confirmation_depth" yaml:"confirmation_depth"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Window            uint64        `mapstructure:"window" yaml:"window"`
}

// Config represents the unified configuration for a CCN. It mirrors the
// structure of the YAML files under config/.
type Config struct {
	Node struct {
		Name    string `mapstructure:"name" yaml:"name"`
		DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	} `mapstructure:"node" yaml:"node"`

	Store struct {
		Path           string        `mapstructure:"path" yaml:"path"`
		ClaimTimeout   time.Duration `mapstructure:"claim_timeout" yaml:"claim_timeout"`
		FatalDBTimeout time.Duration `mapstructure:"fatal_db_timeout" yaml:"fatal_db_timeout"`
	} `mapstructure:"store" yaml:"store"`

	Storage struct {
		ObjectRoot     string        `mapstructure:"object_root" yaml:"object_root"`
		IPFSGateway    string        `mapstructure:"ipfs_gateway" yaml:"ipfs_gateway"`
		GatewayTimeout time.Duration `mapstructure:"gateway_timeout" yaml:"gateway_timeout"`
		GraceTemporary time.Duration `mapstructure:"grace_temporary" yaml:"grace_temporary"`
		GraceNormal    time.Duration `mapstructure:"grace_normal" yaml:"grace_normal"`
		GCInterval     time.Duration `mapstructure:"gc_interval" yaml:"gc_interval"`
	} `mapstructure:"storage" yaml:"storage"`

	P2P struct {
		ListenAddr     string   `mapstructure:"listen_addr" yaml:"listen_addr"`
		Topic          string   `mapstructure:"topic" yaml:"topic"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" yaml:"bootstrap_peers"`
		PublishRate    float64  `mapstructure:"publish_rate" yaml:"publish_rate"`
	} `mapstructure:"p2p" yaml:"p2p"`

	Ingress struct {
		ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	} `mapstructure:"ingress" yaml:"ingress"`

	Pipeline struct {
		Workers       int            `mapstructure:"workers" yaml:"workers"`
		BatchSize     int            `mapstructure:"batch_size" yaml:"batch_size"`
		FetchTimeout  time.Duration  `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
		MaxRetries    int            `mapstructure:"max_retries" yaml:"max_retries"`
		RetryBase     time.Duration  `mapstructure:"retry_base" yaml:"retry_base"`
		RetryCap      time.Duration  `mapstructure:"retry_cap" yaml:"retry_cap"`
		HighWatermark int            `mapstructure:"high_watermark" yaml:"high_watermark"`
		TypeLimits    map[string]int `mapstructure:"type_limits" yaml:"type_limits"`
		TieBreak      string         `mapstructure:"tie_break" yaml:"tie_break"`
	} `mapstructure:"pipeline" yaml:"pipeline"`

	Balance struct {
		Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	} `mapstructure:"balance" yaml:"balance"`

	Redis struct {
		Addr string        `mapstructure:"addr" yaml:"addr"`
		TTL  time.Duration `mapstructure:"ttl" yaml:"ttl"`
	} `mapstructure:"redis" yaml:"redis"`

	Logging struct {
		Level string `mapstructure:"level" yaml:"level"`
		File  string `mapstructure:"file" yaml:"file"`
	} `mapstructure:"logging" yaml:"logging"`

	Chains []ChainConfig `mapstructure:"chains" yaml:"chains"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ALEPH_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ALEPH_ENV", ""))
}

// Default returns a configuration populated with the values a fresh node
// starts from. `ccn config init` serialises it to YAML.
func Default() *Config {
	var c Config
	c.Node.Name = "ccn"
	c.Node.DataDir = "./data"
	c.Store.Path = "./data/ccn.db"
	c.Store.ClaimTimeout = 5 * time.Minute
	c.Store.FatalDBTimeout = 5 * time.Minute
	c.Storage.ObjectRoot = "./data"
	c.Storage.IPFSGateway = "http://127.0.0.1:5001"
	c.Storage.GatewayTimeout = 30 * time.Second
	c.Storage.GraceTemporary = time.Hour
	c.Storage.GraceNormal = 24 * time.Hour
	c.Storage.GCInterval = time.Hour
	c.P2P.ListenAddr = "/ip4/0.0.0.0/tcp/4025"
	c.P2P.Topic = "ALEPH-CCN"
	c.P2P.PublishRate = 50
	c.Ingress.ListenAddr = ":4024"
	c.Pipeline.Workers = 8
	c.Pipeline.BatchSize = 64
	c.Pipeline.FetchTimeout = 30 * time.Second
	c.Pipeline.MaxRetries = 10
	c.Pipeline.RetryBase = 5 * time.Second
	c.Pipeline.RetryCap = time.Hour
	c.Pipeline.HighWatermark = 50000
	c.Pipeline.TieBreak = "item_hash_asc"
	c.Balance.Interval = 10 * time.Minute
	c.Redis.TTL = 10 * time.Minute
	c.Logging.Level = "info"
	c.Chains = []ChainConfig{
		{Name: "ETH", RPCEndpoint: "http://127.0.0.1:8545", ConfirmationDepth: 15, PollInterval: 10 * time.Second, Window: 1000},
		{Name: "BNB", RPCEndpoint: "http://127.0.0.1:8575", ConfirmationDepth: 15, PollInterval: 10 * time.Second, Window: 1000},
		{Name: "TEZOS", RPCEndpoint: "http://127.0.0.1:8732", ConfirmationDepth: 5, PollInterval: 10 * time.Second, Window: 100},
		{Name: "NULS2", RPCEndpoint: "http://127.0.0.1:18004", ConfirmationDepth: 10, PollInterval: 10 * time.Second, Window: 500},
	}
	return &c
}
