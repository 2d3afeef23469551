// Package httputil centralizes HTTP client construction so upstream and
// outbound-proxy traffic share one transport configuration.
package httputil

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultHeaderTimeout       = 5 * time.Second
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// ClientConfig holds configuration for HTTP client creation.
type ClientConfig struct {
	// ResponseHeaderTimeout bounds connect + response headers only. The
	// client carries no global timeout so streaming bodies can run for
	// minutes.
	ResponseHeaderTimeout time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	// ProxyURL, when non-nil, routes every request through that proxy
	// (http, https, or socks5 scheme).
	ProxyURL *url.URL
}

// DefaultClientConfig returns client configuration with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ResponseHeaderTimeout: defaultHeaderTimeout,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
	}
}

// NewClient creates an HTTP client with the given configuration. Redirects
// are never followed: the upstream API does not redirect, and following one
// would replay the Authorization header to an unknown host.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}

	headerTimeout := cfg.ResponseHeaderTimeout
	if headerTimeout == 0 {
		headerTimeout = defaultHeaderTimeout
	}

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = defaultMaxIdleConns
	}

	maxIdleConnsPerHost := cfg.MaxIdleConnsPerHost
	if maxIdleConnsPerHost == 0 {
		maxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}

	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = defaultIdleConnTimeout
	}

	proxy := http.ProxyFromEnvironment
	if cfg.ProxyURL != nil {
		proxy = http.ProxyURL(cfg.ProxyURL)
	}

	return &http.Client{
		// No global timeout; ResponseHeaderTimeout protects the connect +
		// header phase and per-chunk deadlines protect the stream.
		Timeout: 0,
		Transport: &http.Transport{
			Proxy:                 proxy,
			ResponseHeaderTimeout: headerTimeout,
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxIdleConnsPerHost,
			IdleConnTimeout:       idleConnTimeout,
			DisableKeepAlives:     false,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// NewUpstreamClient returns the shared client for direct upstream dispatch.
func NewUpstreamClient(responseHeaderTimeout time.Duration) *http.Client {
	return NewClient(&ClientConfig{ResponseHeaderTimeout: responseHeaderTimeout})
}

// NewProxyClient returns a client routing through one outbound proxy.
func NewProxyClient(proxyURL string, responseHeaderTimeout time.Duration) (*http.Client, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("httputil: invalid proxy url: %w", err)
	}
	return NewClient(&ClientConfig{
		ResponseHeaderTimeout: responseHeaderTimeout,
		ProxyURL:              u,
		MaxIdleConnsPerHost:   2,
	}), nil
}

// CloseIdleConnections releases pooled connections held by a client built
// with NewClient. Used when a cached per-proxy client is evicted.
func CloseIdleConnections(c *http.Client) {
	if t, ok := c.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
