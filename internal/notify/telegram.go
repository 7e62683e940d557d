// Package notify delivers operator alerts to Telegram.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/superfluid-finance/agora-reconciler/internal/httputil"
	"github.com/superfluid-finance/agora-reconciler/internal/retry"
)

// Notifier sends alerts to a Telegram chat via the Bot API.
type Notifier struct {
	botToken   string
	chatID     string
	httpClient *http.Client
	enabled    bool
	baseURL    string // overridable for testing; defaults to Telegram API
	policy     retry.Policy
}

// NewNotifier creates a Notifier. Notifications are enabled only when both
// botToken and chatID are non-empty.
func NewNotifier(botToken, chatID string) *Notifier {
	policy := retry.DefaultPolicy()
	policy.Transient = httputil.IsTransient
	return &Notifier{
		botToken:   botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		enabled:    botToken != "" && chatID != "",
		policy:     policy,
	}
}

// Enabled reports whether the notifier is active.
func (n *Notifier) Enabled() bool { return n.enabled }

// Send posts an HTML message to the configured chat, retrying rate limits
// and server errors.
func (n *Notifier) Send(ctx context.Context, msg string) error {
	if !n.enabled {
		return nil
	}
	endpoint := n.baseURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.botToken)
	}
	form := url.Values{
		"chat_id":                  {n.chatID},
		"text":                     {msg},
		"parse_mode":               {"HTML"},
		"disable_web_page_preview": {"true"},
	}.Encode()

	err := n.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form))
		if err != nil {
			return retry.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := n.httpClient.Do(req)
		if err != nil {
			return err
		}
		_, err = httputil.ReadBody("telegram", resp)
		return err
	})
	if err != nil {
		return fmt.Errorf("notify: %s", describe(err))
	}
	return nil
}

// describe swaps a Telegram error body for its description field.
func describe(err error) string {
	msg := err.Error()
	var statusErr *httputil.StatusError
	if !errors.As(err, &statusErr) || statusErr.Body == "" {
		return msg
	}
	var body struct {
		Description string `json:"description"`
	}
	if json.Unmarshal([]byte(statusErr.Body), &body) != nil || body.Description == "" {
		return msg
	}
	return strings.Replace(msg, statusErr.Body, body.Description, 1)
}

// NotifyPendingActions sends a rendered reconciliation digest.
func (n *Notifier) NotifyPendingActions(ctx context.Context, digestHTML string) error {
	return n.Send(ctx, digestHTML)
}

// NotifyReconcileFailure reports a run that could not complete.
func (n *Notifier) NotifyReconcileFailure(ctx context.Context, sender string, err error) error {
	msg := fmt.Sprintf("<b>Reconciliation Failed</b>\nSender: <code>%s</code>\nError: %s",
		html.EscapeString(sender), html.EscapeString(err.Error()))
	return n.Send(ctx, msg)
}

// NotifyHalt reports the operator halt switch changing.
func (n *Notifier) NotifyHalt(ctx context.Context, halted bool) error {
	if halted {
		return n.Send(ctx, "<b>RECONCILIATION HALTED</b>\nAction lists are withheld until resumed.")
	}
	return n.Send(ctx, "<b>Reconciliation Resumed</b>")
}

// NotifyTransaction reports a tracked transaction reaching a final state.
func (n *Notifier) NotifyTransaction(ctx context.Context, hash, actionType, state string) error {
	msg := fmt.Sprintf("<b>Transaction %s</b>\nAction: %s\nHash: <code>%s</code>",
		html.EscapeString(state), html.EscapeString(actionType), html.EscapeString(hash))
	return n.Send(ctx, msg)
}
