package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/superfluid-finance/agora-reconciler/internal/action"
	"github.com/superfluid-finance/agora-reconciler/internal/allocation"
	"github.com/superfluid-finance/agora-reconciler/internal/cache"
	"github.com/superfluid-finance/agora-reconciler/internal/guard"
	"github.com/superfluid-finance/agora-reconciler/internal/reconcile"
	"github.com/superfluid-finance/agora-reconciler/internal/retry"
	"github.com/superfluid-finance/agora-reconciler/internal/subgraph"
	"github.com/superfluid-finance/agora-reconciler/internal/tranche"
	"github.com/superfluid-finance/agora-reconciler/internal/watch"
)

type Config struct {
	Network  string `yaml:"network"`
	LogLevel string `yaml:"log_level"`

	Chain     ChainConfig       `yaml:"chain"`
	Agora     allocation.Config `yaml:"agora"`
	Subgraph  subgraph.Config   `yaml:"subgraph"`
	Tranches  tranche.Plan      `yaml:"tranches"`
	Reconcile reconcile.Options `yaml:"reconcile"`
	Retry     retry.Policy      `yaml:"retry"`
	Limits    LimitsConfig      `yaml:"limits"`
	Cache     cache.Config      `yaml:"cache"`
	API       APIConfig         `yaml:"api"`
	Watch     watch.Config      `yaml:"watch"`
	Telegram  TelegramConfig    `yaml:"telegram"`
}

type ChainConfig struct {
	ChainID          int64         `yaml:"chain_id"`
	RPCURL           string        `yaml:"rpc_url"`
	SuperToken       string        `yaml:"super_token"`
	VestingScheduler string        `yaml:"vesting_scheduler"`
	CFAForwarder     string        `yaml:"cfa_forwarder"`
	TxPollInterval   time.Duration `yaml:"tx_poll_interval"`
}

// LimitsConfig amounts are in token units ("1500.5"); empty disables the
// limit. max_flow_rate is token units per second.
type LimitsConfig struct {
	MaxProjectAmount  string `yaml:"max_project_amount"`
	MaxTotalAllowance string `yaml:"max_total_allowance"`
	MaxFlowRate       string `yaml:"max_flow_rate"`
	MaxActions        int    `yaml:"max_actions"`
	BlockOnViolation  bool   `yaml:"block_on_violation"`
	Halted            bool   `yaml:"halted"`
}

// GuardLimits converts the configured limits to wei.
func (l LimitsConfig) GuardLimits() (guard.Limits, error) {
	project, err := action.ParseUnits(l.MaxProjectAmount, action.TokenDecimals)
	if err != nil {
		return guard.Limits{}, fmt.Errorf("limits.max_project_amount: %w", err)
	}
	allowance, err := action.ParseUnits(l.MaxTotalAllowance, action.TokenDecimals)
	if err != nil {
		return guard.Limits{}, fmt.Errorf("limits.max_total_allowance: %w", err)
	}
	flowRate, err := action.ParseUnits(l.MaxFlowRate, action.TokenDecimals)
	if err != nil {
		return guard.Limits{}, fmt.Errorf("limits.max_flow_rate: %w", err)
	}
	return guard.Limits{
		MaxProjectAmount:  project,
		MaxTotalAllowance: allowance,
		MaxFlowRate:       flowRate,
		MaxActions:        l.MaxActions,
		BlockOnViolation:  l.BlockOnViolation,
	}, nil
}

type APIConfig struct {
	Addr              string        `yaml:"addr"`
	RateLimitRPS      float64       `yaml:"rate_limit_rps"`
	RateLimitBurst    int           `yaml:"rate_limit_burst"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

func Default() Config {
	return Config{
		Network:  "optimism",
		LogLevel: "info",
		Chain: ChainConfig{
			TxPollInterval: 15 * time.Second,
		},
		Agora: allocation.Config{
			Timeout: 15 * time.Second,
		},
		Subgraph: subgraph.Config{
			PageSize: 1000,
			MaxPages: 50,
			Timeout:  15 * time.Second,
		},
		Tranches: tranche.Plan{
			Length: 90 * 24 * time.Hour,
			Count:  4,
		},
		Reconcile: reconcile.Options{
			StartBuffer:        15 * time.Minute,
			MinVestingDuration: 7 * 24 * time.Hour,
		},
		Retry: retry.DefaultPolicy(),
		Limits: LimitsConfig{
			MaxActions:       50,
			BlockOnViolation: true,
		},
		Cache: cache.Config{
			Backend:        "memory",
			KeyPrefix:      "agora:",
			AllocationsTTL: time.Minute,
		},
		API: APIConfig{
			Addr:              ":8080",
			RateLimitRPS:      2,
			RateLimitBurst:    10,
			RequestTimeout:    30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Watch: watch.Config{
			Schedule: "*/15 * * * *",
			Timeout:  2 * time.Minute,
		},
	}
}

func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Load reads path (optional), applies env overrides and the network
// preset, and validates the result. A non-empty network argument wins
// over the file and AGORA_NETWORK.
func Load(path, network string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()
	if network != "" {
		cfg.Network = network
	}
	if err := ApplyNetwork(&cfg, cfg.Network); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) ApplyEnv() {
	if v := os.Getenv("AGORA_URL"); v != "" {
		c.Agora.URL = v
	}
	if v := os.Getenv("AGORA_API_KEY"); v != "" {
		c.Agora.APIKey = v
	}
	if v := os.Getenv("RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv("SUBGRAPH_URL"); v != "" {
		c.Subgraph.URL = v
	}
	if v := os.Getenv("SUPER_TOKEN"); v != "" {
		c.Chain.SuperToken = v
	}
	if v := os.Getenv("VESTING_SCHEDULER"); v != "" {
		c.Chain.VestingScheduler = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
		c.Cache.Backend = "redis"
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("AGORA_NETWORK")); v != "" {
		c.Network = strings.ToLower(v)
	}
}
