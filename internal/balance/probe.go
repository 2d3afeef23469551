// Package balance queries the upstream account endpoint for a credential's
// remaining credit. Probes never fail loudly: every fault collapses into the
// returned Result so callers can apply availability policy uniformly.
package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/siliconpool/siliconpool/internal/security"
)

const (
	probeTimeout      = 5 * time.Second
	userInfoPath      = "/user/info"
	maxProbeBodySize  = 1 << 20
	breakerMaxStrikes = 5
)

// Result is the outcome of one probe. OK=false means the probe could not
// produce a definitive answer and Balance stays nil; OK=true with balance 0
// is the definitive "invalid or out of funds" answer for rejected keys.
type Result struct {
	OK      bool
	Balance *float64
	Message string
}

// Known reports whether the probe produced a numeric balance.
func (r Result) Known() bool {
	return r.Balance != nil
}

// Prober calls GET <base>/user/info with the credential as bearer.
// A circuit breaker guards the endpoint: when user-info keeps failing on
// transport or 5xx, probes short-circuit to the unknown-balance result
// instead of stacking 5 s timeouts onto every request.
type Prober struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	baseURL string
	logger  *slog.Logger
}

func NewProber(baseURL string, logger *slog.Logger) *Prober {
	return &Prober{
		client:  &http.Client{Timeout: probeTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "balance-probe",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerMaxStrikes
			},
		}),
	}
}

// Probe fetches the balance for one credential. Never panics and never
// returns a Go error; inspect Result.OK and Result.Known.
func (p *Prober) Probe(ctx context.Context, secret string) Result {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		res, ferr := p.fetch(ctx, secret)
		if ferr != nil {
			return nil, ferr
		}
		return res, nil
	})
	if err != nil {
		p.logger.Warn("balance probe failed",
			"secret", security.MaskCredential(secret),
			"error", err,
		)
		return Result{OK: false, Message: err.Error()}
	}
	return out.(Result)
}

func (p *Prober) fetch(ctx context.Context, secret string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+userInfoPath, nil)
	if err != nil {
		return Result{}, fmt.Errorf("balance: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("balance: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 401/403 is the upstream's definitive verdict on the key itself, not an
	// endpoint fault: report zero balance and keep the breaker closed.
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		zero := 0.0
		return Result{OK: true, Balance: &zero, Message: "invalid or out of funds"}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("balance: upstream status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBodySize))
	if err != nil {
		return Result{}, fmt.Errorf("balance: read response: %w", err)
	}

	var envelope userInfoResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Result{}, fmt.Errorf("balance: parse response: %w", err)
	}

	if amount, ok := parseAmount(envelope.Data.Balance); ok {
		return Result{OK: true, Balance: &amount, Message: envelope.Message}, nil
	}
	if amount, ok := parseAmount(envelope.Data.TotalBalance); ok {
		return Result{OK: true, Balance: &amount, Message: envelope.Message}, nil
	}
	return Result{}, errors.New("balance: no parsable balance in response")
}

// userInfoResponse is the documented user-info envelope. The balance fields
// arrive as JSON numbers or numeric strings depending on upstream version,
// so they are kept raw and parsed leniently.
type userInfoResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Balance      json.RawMessage `json:"balance"`
		TotalBalance json.RawMessage `json:"totalBalance"`
	} `json:"data"`
}

func parseAmount(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return v, true
		}
	}
	return 0, false
}
