package outbound

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/siliconpool/siliconpool/internal/httputil"
	"github.com/siliconpool/siliconpool/internal/security"
)

var (
	// ErrDisabled means outbound-proxy mode is off; the caller dispatches
	// directly.
	ErrDisabled = errors.New("outbound: proxy mode disabled")
	// ErrAllProxiesFailed means every proxy in the pool was attempted and
	// none produced a usable response.
	ErrAllProxiesFailed = errors.New("outbound: all proxies failed")
)

const (
	clientCacheSize = 32
	clientCacheTTL  = time.Hour
)

// Attempt executes the caller's upstream request through the given client.
// It is invoked once per candidate proxy; each invocation must build a fresh
// request (bodies are single-read).
type Attempt func(client *http.Client) (*http.Response, error)

// Usable decides whether a response obtained through a proxy counts as that
// proxy working. The engine passes its failure classifier here so a proxy
// that still yields IP-trouble statuses is not pinned.
type Usable func(resp *http.Response) bool

// Selector routes attempts through the proxy pool. Per-proxy HTTP clients
// are cached with a TTL so idle transports are torn down, not hoarded.
type Selector struct {
	registry      *Registry
	clients       *expirable.LRU[int64, *http.Client]
	headerTimeout time.Duration
	logger        *slog.Logger
}

func NewSelector(reg *Registry, headerTimeout time.Duration, logger *slog.Logger) *Selector {
	return &Selector{
		registry: reg,
		clients: expirable.NewLRU[int64, *http.Client](clientCacheSize,
			func(_ int64, c *http.Client) { httputil.CloseIdleConnections(c) },
			clientCacheTTL),
		headerTimeout: headerTimeout,
		logger:        logger,
	}
}

// Enabled reports whether outbound-proxy mode is on. Registry read errors
// collapse to false so a storage fault degrades to direct dispatch.
func (s *Selector) Enabled(ctx context.Context) bool {
	enabled, err := s.registry.Enabled(ctx)
	if err != nil {
		s.logger.Warn("outbound mode read failed, assuming disabled", "error", err)
		return false
	}
	return enabled
}

// Pinned returns the client for the currently pinned proxy, when mode is on
// and an unexpired pin exists.
func (s *Selector) Pinned(ctx context.Context) (*http.Client, int64, bool) {
	if !s.Enabled(ctx) {
		return nil, 0, false
	}

	pin, err := s.registry.CurrentPin(ctx)
	if err != nil || pin == nil {
		return nil, 0, false
	}

	client, err := s.clientFor(ctx, pin.ProxyID)
	if err != nil {
		s.logger.Warn("pinned proxy unusable, clearing pin", "proxy_id", pin.ProxyID, "error", err)
		_ = s.registry.ClearPin(ctx)
		return nil, 0, false
	}
	return client, pin.ProxyID, true
}

// ReportPinFailure clears the pin after a failed request through the pinned
// proxy.
func (s *Selector) ReportPinFailure(ctx context.Context, proxyID int64) {
	s.logger.Info("request through pinned proxy failed, clearing pin", "proxy_id", proxyID)
	_ = s.registry.ClearPin(ctx)
}

// Dispatch runs the fan-out: pinned proxy first while the pin holds, then
// every proxy in ordering-index order. The first usable response pins its
// proxy for PinTTL and is returned along with the proxy id.
func (s *Selector) Dispatch(ctx context.Context, attempt Attempt, usable Usable) (*http.Response, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if !s.Enabled(ctx) {
		return nil, 0, ErrDisabled
	}

	tried := make(map[int64]bool)

	if pin, err := s.registry.CurrentPin(ctx); err == nil && pin != nil {
		tried[pin.ProxyID] = true
		if resp, ok := s.try(ctx, pin.ProxyID, attempt, usable); ok {
			return resp, pin.ProxyID, nil
		}
		_ = s.registry.ClearPin(ctx)
	}

	proxies, err := s.registry.List(ctx)
	if err != nil {
		return nil, 0, err
	}

	for _, p := range proxies {
		if tried[p.ID] {
			continue
		}
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		if resp, ok := s.try(ctx, p.ID, attempt, usable); ok {
			if err := s.registry.SetPin(ctx, p.ID); err != nil {
				s.logger.Warn("failed to pin proxy", "proxy_id", p.ID, "error", err)
			}
			return resp, p.ID, nil
		}
	}

	return nil, 0, ErrAllProxiesFailed
}

func (s *Selector) try(ctx context.Context, proxyID int64, attempt Attempt, usable Usable) (*http.Response, bool) {
	client, err := s.clientFor(ctx, proxyID)
	if err != nil {
		s.logger.Debug("outbound proxy client build failed", "proxy_id", proxyID, "error", err)
		return nil, false
	}

	resp, err := attempt(client)
	if err != nil {
		s.logger.Debug("outbound proxy attempt failed", "proxy_id", proxyID, "error", err)
		return nil, false
	}
	if usable != nil && !usable(resp) {
		status := resp.StatusCode
		drainAndClose(resp)
		s.logger.Debug("outbound proxy response not usable", "proxy_id", proxyID, "status", status)
		return nil, false
	}
	return resp, true
}

func (s *Selector) clientFor(ctx context.Context, proxyID int64) (*http.Client, error) {
	if client, ok := s.clients.Get(proxyID); ok {
		return client, nil
	}

	p, err := s.registry.Get(ctx, proxyID)
	if err != nil {
		return nil, err
	}

	client, err := httputil.NewProxyClient(p.URL(), s.headerTimeout)
	if err != nil {
		return nil, err
	}
	s.clients.Add(proxyID, client)
	s.logger.Debug("outbound proxy client created",
		"proxy_id", proxyID,
		"proxy_url", security.MaskProxyURL(p.URL()),
	)
	return client, nil
}

// drainAndClose discards a bounded amount of body so the connection can be
// reused, then closes it.
func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	buf := make([]byte, 4096)
	for i := 0; i < 8; i++ {
		if _, err := resp.Body.Read(buf); err != nil {
			break
		}
	}
	_ = resp.Body.Close()
}
