// Package httputil holds the small pieces shared by the upstream HTTP clients.
package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// MaxBodyBytes caps how much of an upstream response is read.
const MaxBodyBytes = 16 << 20

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Upstream string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Upstream, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Upstream, e.Code, e.Body)
}

// ReadBody reads a response body up to MaxBodyBytes and turns non-2xx
// responses into a *StatusError.
func ReadBody(upstream string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", upstream, err)
	}
	if len(body) > MaxBodyBytes {
		return nil, fmt.Errorf("%s: response body exceeds %d bytes", upstream, MaxBodyBytes)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 512 {
			msg = msg[:512] + "...(truncated)"
		}
		return nil, &StatusError{Upstream: upstream, Code: resp.StatusCode, Body: msg}
	}
	return body, nil
}

// IsTransient classifies HTTP client errors: connection failures, 429 and
// 5xx are transient, other statuses and cancellation are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
