package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/siliconpool/siliconpool/internal/outbound"
)

const (
	chatCompletionsPath = "/chat/completions"
	// maxErrorBodySize bounds how much of a failing upstream response is
	// read for classification and logging.
	maxErrorBodySize = 1 << 20
)

// buildUpstreamRequest creates the POST to <base>/chat/completions with the
// client body forwarded verbatim.
func (e *Engine) buildUpstreamRequest(ctx context.Context, secret string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("engine: build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// dispatch sends one upstream attempt: through the pinned outbound proxy
// while a valid pin exists, directly otherwise. Returns the pinned proxy id
// (0 when direct) so a failure can clear the pin.
func (e *Engine) dispatch(ctx context.Context, secret string, body []byte) (*http.Response, int64, error) {
	client := e.client
	var pinnedID int64
	if c, id, ok := e.outbound.Pinned(ctx); ok {
		client = c
		pinnedID = id
	}

	req, err := e.buildUpstreamRequest(ctx, secret, body)
	if err != nil {
		return nil, pinnedID, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, pinnedID, err
	}
	return resp, pinnedID, nil
}

// fanOutAttempt builds the per-proxy closure for the outbound selector. Each
// invocation constructs a fresh request since bodies are single-read.
func (e *Engine) fanOutAttempt(ctx context.Context, secret string, body []byte) outbound.Attempt {
	return func(client *http.Client) (*http.Response, error) {
		req, err := e.buildUpstreamRequest(ctx, secret, body)
		if err != nil {
			return nil, err
		}
		return client.Do(req)
	}
}

// usableResponse is the fan-out acceptance test: a proxy whose route still
// yields an IP-trouble status is not a working proxy.
func usableResponse(resp *http.Response) bool {
	return !isNetworkTroubleStatus(resp.StatusCode)
}

// isNetworkTroubleStatus marks the status codes that suggest the problem is
// the route, not the credential: any 5xx, 403, or 429.
func isNetworkTroubleStatus(statusCode int) bool {
	return statusCode >= 500 ||
		statusCode == http.StatusForbidden ||
		statusCode == http.StatusTooManyRequests
}

// isTimeoutError reports whether a dispatch failure was a timeout.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isClientDisconnectError reports whether a write failure means the client
// went away (broken pipe, reset, cancelled context). Expected during normal
// operation, logged at lower severity.
func isClientDisconnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "write: broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// readErrorBody drains a bounded amount of a failing response and closes it.
func readErrorBody(resp *http.Response) []byte {
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return body
}
