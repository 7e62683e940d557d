package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/superfluid-finance/agora-reconciler/internal/logging"
	"github.com/superfluid-finance/agora-reconciler/internal/watch"
)

// Validate checks high-impact runtime configuration constraints.
func (c Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id must be > 0, got %d", c.Chain.ChainID)
	}
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	for _, f := range []struct{ name, value string }{
		{"chain.super_token", c.Chain.SuperToken},
		{"chain.vesting_scheduler", c.Chain.VestingScheduler},
		{"chain.cfa_forwarder", c.Chain.CFAForwarder},
	} {
		if !common.IsHexAddress(f.value) {
			return fmt.Errorf("%s must be a hex address, got %q", f.name, f.value)
		}
	}

	if strings.TrimSpace(c.Agora.URL) == "" {
		return fmt.Errorf("agora.url is required")
	}
	if strings.TrimSpace(c.Subgraph.URL) == "" {
		return fmt.Errorf("subgraph.url is required")
	}
	if c.Subgraph.PageSize < 1 || c.Subgraph.PageSize > 1000 {
		return fmt.Errorf("subgraph.page_size must be within [1,1000], got %d", c.Subgraph.PageSize)
	}
	if c.Subgraph.MaxPages < 1 {
		return fmt.Errorf("subgraph.max_pages must be >= 1, got %d", c.Subgraph.MaxPages)
	}

	if err := c.Tranches.Validate(); err != nil {
		return fmt.Errorf("tranches: %w", err)
	}
	if c.Reconcile.StartBuffer < 0 {
		return fmt.Errorf("reconcile.start_buffer must be >= 0, got %v", c.Reconcile.StartBuffer)
	}
	if c.Reconcile.MinVestingDuration < 0 {
		return fmt.Errorf("reconcile.min_vesting_duration must be >= 0, got %v", c.Reconcile.MinVestingDuration)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0 {
		return fmt.Errorf("retry backoffs must be >= 0")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %f", c.Retry.Multiplier)
	}

	if c.Limits.MaxActions < 0 {
		return fmt.Errorf("limits.max_actions must be >= 0, got %d", c.Limits.MaxActions)
	}
	if _, err := c.Limits.GuardLimits(); err != nil {
		return err
	}

	switch backend := strings.ToLower(strings.TrimSpace(c.Cache.Backend)); backend {
	case "none", "off":
	case "", "memory", "redis":
		if backend == "redis" && c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis backend")
		}
		if c.Cache.AllocationsTTL <= 0 {
			return fmt.Errorf("cache.allocations_ttl must be > 0, got %s (use cache.backend 'none' to disable caching)", c.Cache.AllocationsTTL)
		}
	default:
		return fmt.Errorf("cache.backend must be 'memory', 'redis' or 'none', got %q", c.Cache.Backend)
	}

	if c.API.RateLimitRPS < 0 {
		return fmt.Errorf("api.rate_limit_rps must be >= 0, got %f", c.API.RateLimitRPS)
	}
	if c.API.RateLimitRPS > 0 && c.API.RateLimitBurst < 1 {
		return fmt.Errorf("api.rate_limit_burst must be >= 1 when rate limiting, got %d", c.API.RateLimitBurst)
	}

	if c.Watch.Enabled {
		if err := watch.ValidateSchedule(c.Watch.Schedule); err != nil {
			return fmt.Errorf("watch.schedule: %w", err)
		}
		if len(c.Watch.Senders) == 0 {
			return fmt.Errorf("watch.senders must not be empty when watch is enabled")
		}
		for _, s := range c.Watch.Senders {
			if !common.IsHexAddress(s) {
				return fmt.Errorf("watch.senders: %q is not a hex address", s)
			}
		}
	}

	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id are required when telegram is enabled")
	}

	return nil
}
