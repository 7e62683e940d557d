// Package subgraph reads vesting schedules from the vesting-scheduler
// subgraph.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/superfluid-finance/agora-reconciler/internal/httputil"
	"github.com/superfluid-finance/agora-reconciler/internal/metrics"
	"github.com/superfluid-finance/agora-reconciler/internal/retry"
	"github.com/superfluid-finance/agora-reconciler/internal/vesting"
)

const vestingSchedulesQuery = `query VestingSchedules($first: Int!, $superToken: String!, $sender: String!, $cursor: String!) {
  vestingSchedules(
    first: $first
    orderBy: id
    orderDirection: asc
    where: {superToken: $superToken, sender: $sender, id_gt: $cursor}
  ) {
    id
    superToken
    sender
    receiver
    startDate
    cliffDate
    cliffAndFlowDate
    endDate
    cliffAmount
    flowRate
    remainderAmount
    totalAmount
    settledAmount
    settledDate
    deletedAt
    endExecutedAt
    failedAt
  }
}`

// Config points the client at a subgraph endpoint.
type Config struct {
	URL      string        `yaml:"url"`
	PageSize int           `yaml:"page_size"`
	MaxPages int           `yaml:"max_pages"`
	Timeout  time.Duration `yaml:"timeout"`
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	policy     retry.Policy
	logger     *zap.Logger
}

func NewClient(cfg Config, policy retry.Policy, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		policy:     policy,
		logger:     logger.With(zap.String("upstream", "subgraph")),
	}
	c.policy.Transient = httputil.IsTransient
	c.policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("subgraph query failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return c
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type schedulesResponse struct {
	Data struct {
		VestingSchedules []rawSchedule `json:"vestingSchedules"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type rawSchedule struct {
	ID               string  `json:"id"`
	SuperToken       string  `json:"superToken"`
	Sender           string  `json:"sender"`
	Receiver         string  `json:"receiver"`
	StartDate        string  `json:"startDate"`
	CliffDate        *string `json:"cliffDate"`
	CliffAndFlowDate string  `json:"cliffAndFlowDate"`
	EndDate          string  `json:"endDate"`
	CliffAmount      string  `json:"cliffAmount"`
	FlowRate         string  `json:"flowRate"`
	RemainderAmount  *string `json:"remainderAmount"`
	TotalAmount      *string `json:"totalAmount"`
	SettledAmount    *string `json:"settledAmount"`
	SettledDate      *string `json:"settledDate"`
	DeletedAt        *string `json:"deletedAt"`
	EndExecutedAt    *string `json:"endExecutedAt"`
	FailedAt         *string `json:"failedAt"`
}

// VestingSchedules returns every schedule of (superToken, sender), paging
// with an id cursor until a short page.
func (c *Client) VestingSchedules(ctx context.Context, superToken, sender common.Address) ([]vesting.Schedule, error) {
	start := time.Now()
	schedules, err := c.vestingSchedules(ctx, superToken, sender)
	metrics.ObserveUpstream("subgraph", err, time.Since(start))
	return schedules, err
}

func (c *Client) vestingSchedules(ctx context.Context, superToken, sender common.Address) ([]vesting.Schedule, error) {
	var (
		out    []vesting.Schedule
		cursor string
	)
	for page := 0; page < c.cfg.MaxPages; page++ {
		req := graphQLRequest{
			Query: vestingSchedulesQuery,
			Variables: map[string]any{
				"first":      c.cfg.PageSize,
				"superToken": strings.ToLower(superToken.Hex()),
				"sender":     strings.ToLower(sender.Hex()),
				"cursor":     cursor,
			},
		}
		resp, err := retry.Value(ctx, c.policy, func(ctx context.Context) (*schedulesResponse, error) {
			return c.post(ctx, req)
		})
		if err != nil {
			return nil, fmt.Errorf("subgraph: vesting schedules: %w", err)
		}
		rows := resp.Data.VestingSchedules
		for _, row := range rows {
			s, err := row.schedule()
			if err != nil {
				return nil, fmt.Errorf("subgraph: schedule %s: %w", row.ID, err)
			}
			out = append(out, s)
		}
		if len(rows) < c.cfg.PageSize {
			return out, nil
		}
		cursor = rows[len(rows)-1].ID
	}
	return nil, fmt.Errorf("subgraph: more than %d pages of vesting schedules", c.cfg.MaxPages)
}

func (c *Client) post(ctx context.Context, body graphQLRequest) (*schedulesResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("encode query: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	raw, err := httputil.ReadBody("subgraph", resp)
	if err != nil {
		return nil, err
	}
	var out schedulesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, retry.Permanent(fmt.Errorf("graphql: %s", strings.Join(msgs, "; ")))
	}
	return &out, nil
}

func (r rawSchedule) schedule() (vesting.Schedule, error) {
	s := vesting.Schedule{
		ID:         r.ID,
		SuperToken: common.HexToAddress(r.SuperToken),
		Sender:     common.HexToAddress(r.Sender),
		Receiver:   common.HexToAddress(r.Receiver),
	}
	var err error
	if s.StartDate, err = parseTime(&r.StartDate); err != nil {
		return s, fmt.Errorf("startDate: %w", err)
	}
	if s.CliffAndFlowDate, err = parseTime(&r.CliffAndFlowDate); err != nil {
		return s, fmt.Errorf("cliffAndFlowDate: %w", err)
	}
	if s.EndDate, err = parseTime(&r.EndDate); err != nil {
		return s, fmt.Errorf("endDate: %w", err)
	}
	if s.CliffAmount, err = parseInt(&r.CliffAmount); err != nil {
		return s, fmt.Errorf("cliffAmount: %w", err)
	}
	if s.FlowRate, err = parseInt(&r.FlowRate); err != nil {
		return s, fmt.Errorf("flowRate: %w", err)
	}
	if s.RemainderAmount, err = parseInt(r.RemainderAmount); err != nil {
		return s, fmt.Errorf("remainderAmount: %w", err)
	}
	if s.TotalAmount, err = parseInt(r.TotalAmount); err != nil {
		return s, fmt.Errorf("totalAmount: %w", err)
	}
	if s.SettledAmount, err = parseInt(r.SettledAmount); err != nil {
		return s, fmt.Errorf("settledAmount: %w", err)
	}
	if s.SettledDate, err = parseTime(r.SettledDate); err != nil {
		return s, fmt.Errorf("settledDate: %w", err)
	}
	if s.DeletedAt, err = parseTime(r.DeletedAt); err != nil {
		return s, fmt.Errorf("deletedAt: %w", err)
	}
	if s.EndExecutedAt, err = parseTime(r.EndExecutedAt); err != nil {
		return s, fmt.Errorf("endExecutedAt: %w", err)
	}
	if s.FailedAt, err = parseTime(r.FailedAt); err != nil {
		return s, fmt.Errorf("failedAt: %w", err)
	}
	if s.CliffAndFlowDate.IsZero() {
		s.CliffAndFlowDate = s.StartDate
		if cliff, err := parseTime(r.CliffDate); err == nil && !cliff.IsZero() {
			s.CliffAndFlowDate = cliff
		}
	}
	return s, nil
}

// parseTime reads a unix-seconds string; nil, empty and "0" are unset.
func parseTime(v *string) (time.Time, error) {
	if v == nil || *v == "" || *v == "0" {
		return time.Time{}, nil
	}
	sec, err := strconv.ParseInt(*v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

func parseInt(v *string) (*big.Int, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(*v, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", *v)
	}
	return n, nil
}
