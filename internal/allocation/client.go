package allocation

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/superfluid-finance/agora-reconciler/internal/cache"
	"github.com/superfluid-finance/agora-reconciler/internal/httputil"
	"github.com/superfluid-finance/agora-reconciler/internal/metrics"
	"github.com/superfluid-finance/agora-reconciler/internal/retry"
)

// Config points the client at the Agora rewards API.
type Config struct {
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	ResponsePath string        `yaml:"response_path"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Client fetches allocations over HTTP.
type Client struct {
	cfg         Config
	maxTranches int
	httpClient  *http.Client
	cache       cache.Cache
	cacheTTL    time.Duration
	policy      retry.Policy
	logger      *zap.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCache stores raw responses for ttl. A non-positive ttl disables
// caching.
func WithCache(store cache.Cache, ttl time.Duration) Option {
	return func(c *Client) {
		if store == nil || ttl <= 0 {
			c.cache = cache.Nop{}
			c.cacheTTL = 0
			return
		}
		c.cache = store
		c.cacheTTL = ttl
	}
}

func NewClient(cfg Config, maxTranches int, policy retry.Policy, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		cfg:         cfg,
		maxTranches: maxTranches,
		httpClient:  &http.Client{Timeout: timeout},
		cache:       cache.Nop{},
		policy:      policy,
		logger:      logger.With(zap.String("upstream", "agora")),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.policy.Transient = httputil.IsTransient
	c.policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("allocations fetch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return c
}

// Fetch returns the validated allocations, served from cache when fresh.
func (c *Client) Fetch(ctx context.Context) ([]Project, error) {
	key := "allocations:" + c.cfg.URL
	if body, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("allocations cache read failed", zap.Error(err))
	} else if ok {
		if projects, err := Parse(body, c.cfg.ResponsePath, c.maxTranches); err == nil {
			return projects, nil
		}
	}

	start := time.Now()
	body, err := retry.Value(ctx, c.policy, c.get)
	metrics.ObserveUpstream("agora", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("allocation: fetch: %w", err)
	}

	projects, err := Parse(body, c.cfg.ResponsePath, c.maxTranches)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, body, c.cacheTTL); err != nil {
		c.logger.Warn("allocations cache write failed", zap.Error(err))
	}
	c.logger.Debug("allocations fetched", zap.Int("projects", len(projects)))
	return projects, nil
}

func (c *Client) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return httputil.ReadBody("agora", resp)
}
