package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/superfluid-finance/agora-reconciler/internal/httputil"
	"github.com/superfluid-finance/agora-reconciler/internal/retry"
)

func testNotifier(serverURL string, client *http.Client) *Notifier {
	return &Notifier{
		botToken:   "test-token",
		chatID:     "test-chat",
		httpClient: client,
		enabled:    true,
		baseURL:    serverURL,
		policy: retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Multiplier:     1,
			Transient:      httputil.IsTransient,
		},
	}
}

func TestNewNotifierDisabled(t *testing.T) {
	n := NewNotifier("", "")
	if n.Enabled() {
		t.Fatal("expected disabled notifier with empty credentials")
	}
	if err := n.Send(context.Background(), "test"); err != nil {
		t.Fatalf("disabled send should succeed silently: %v", err)
	}
}

func TestNewNotifierEnabled(t *testing.T) {
	if !NewNotifier("bot123", "chat456").Enabled() {
		t.Fatal("expected enabled notifier with credentials")
	}
}

func TestSendSuccess(t *testing.T) {
	var receivedChatID, receivedText, receivedMode string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		receivedChatID = r.PostForm.Get("chat_id")
		receivedText = r.PostForm.Get("text")
		receivedMode = r.PostForm.Get("parse_mode")
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer server.Close()

	n := testNotifier(server.URL, server.Client())
	if err := n.Send(context.Background(), "hello world"); err != nil {
		t.Fatalf("send should succeed: %v", err)
	}
	if receivedChatID != "test-chat" {
		t.Errorf("expected chat_id=test-chat, got %s", receivedChatID)
	}
	if receivedText != "hello world" {
		t.Errorf("expected text=hello world, got %s", receivedText)
	}
	if receivedMode != "HTML" {
		t.Errorf("expected HTML parse mode, got %s", receivedMode)
	}
}

func TestSendClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"description": "chat not found"})
	}))
	defer server.Close()

	err := testNotifier(server.URL, server.Client()).Send(context.Background(), "test")
	if err == nil {
		t.Fatal("expected error for bad request response")
	}
	if !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected telegram description in error, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one attempt, got %d", hits.Load())
	}
}

func TestSendDescribesExhaustedServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Bad Gateway {upstream}"})
	}))
	defer server.Close()

	err := testNotifier(server.URL, server.Client()).Send(context.Background(), "test")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if !strings.Contains(err.Error(), "telegram: status 502: Bad Gateway {upstream}") {
		t.Fatalf("expected telegram description in error, got %v", err)
	}
	if strings.Contains(err.Error(), `"ok"`) {
		t.Fatalf("expected raw body to be replaced, got %v", err)
	}
}

func TestDescribeLeavesOtherErrors(t *testing.T) {
	plain := errors.New("dial tcp: refused {x}")
	if got := describe(plain); got != plain.Error() {
		t.Fatalf("expected plain error unchanged, got %q", got)
	}
	notJSON := &httputil.StatusError{Upstream: "telegram", Code: 500, Body: "oops"}
	if got := describe(notJSON); got != "telegram: status 500: oops" {
		t.Fatalf("expected non-json body unchanged, got %q", got)
	}
}

func TestSendRetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer server.Close()

	if err := testNotifier(server.URL, server.Client()).Send(context.Background(), "test"); err != nil {
		t.Fatalf("send should succeed after retry: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected two attempts, got %d", hits.Load())
	}
}

func TestNotifyReconcileFailureEscapes(t *testing.T) {
	var receivedText string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		receivedText = r.PostForm.Get("text")
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer server.Close()

	n := testNotifier(server.URL, server.Client())
	if err := n.NotifyReconcileFailure(context.Background(), "0xabc", errors.New("status <502>")); err != nil {
		t.Fatalf("notify failure: %v", err)
	}
	if !strings.Contains(receivedText, "status &lt;502&gt;") {
		t.Fatalf("expected escaped error, got %q", receivedText)
	}
}

func TestNotifyHelpersDisabled(t *testing.T) {
	n := NewNotifier("", "")
	ctx := context.Background()
	if err := n.NotifyHalt(ctx, true); err != nil {
		t.Fatalf("disabled notify should succeed: %v", err)
	}
	if err := n.NotifyPendingActions(ctx, "<b>x</b>"); err != nil {
		t.Fatalf("disabled notify should succeed: %v", err)
	}
	if err := n.NotifyTransaction(ctx, "0x01", "create-vesting-schedule", "confirmed"); err != nil {
		t.Fatalf("disabled notify should succeed: %v", err)
	}
}
