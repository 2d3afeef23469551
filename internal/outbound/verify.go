package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/siliconpool/siliconpool/internal/httputil"
	"github.com/siliconpool/siliconpool/internal/utils"
)

const (
	primaryEchoTimeout  = 8 * time.Second
	fallbackEchoTimeout = 5 * time.Second
	maxEchoBodySize     = 64 * 1024
)

// echoService is one IP-echo endpoint hit through the proxy under test.
type echoService struct {
	name    string
	url     string
	timeout time.Duration
	// jsonGeo endpoints return {query, country, city}; plain ones return
	// the bare address.
	jsonGeo bool
}

var echoServices = []echoService{
	{name: "ip-api", url: "http://ip-api.com/json/?fields=query,country,city", timeout: primaryEchoTimeout, jsonGeo: true},
	{name: "ipify", url: "https://api.ipify.org", timeout: fallbackEchoTimeout},
	{name: "icanhazip", url: "https://icanhazip.com", timeout: fallbackEchoTimeout},
}

// VerifyResult is the outcome of one verification run.
type VerifyResult struct {
	OK       bool          `json:"ok"`
	PublicIP string        `json:"public_ip,omitempty"`
	Location string        `json:"location,omitempty"`
	Latency  time.Duration `json:"-"`
	Message  string        `json:"message,omitempty"`
}

// Verify checks reachability of one proxy by requesting IP-echo services
// through it, primary first then fallbacks, and records the result on the
// proxy row. Never returns an error for an unreachable proxy; only storage
// faults and unknown ids surface as errors.
func (s *Selector) Verify(ctx context.Context, proxyID int64) (*VerifyResult, error) {
	p, err := s.registry.Get(ctx, proxyID)
	if err != nil {
		return nil, err
	}

	client, err := httputil.NewProxyClient(p.URL(), primaryEchoTimeout)
	if err != nil {
		return nil, err
	}
	defer httputil.CloseIdleConnections(client)

	result := s.runEchoes(ctx, client)
	if err := s.registry.RecordVerification(ctx, proxyID, result.OK, result.PublicIP, result.Location, result.Latency); err != nil {
		return nil, err
	}

	s.logger.Info("outbound proxy verified",
		"proxy_id", proxyID,
		"ok", result.OK,
		"public_ip", result.PublicIP,
		"latency", result.Latency,
	)
	return result, nil
}

func (s *Selector) runEchoes(ctx context.Context, client *http.Client) *VerifyResult {
	var lastErr error
	for _, svc := range echoServices {
		start := utils.NowUTC()
		ip, location, err := fetchEcho(ctx, client, svc)
		if err != nil {
			lastErr = err
			s.logger.Debug("ip echo failed", "service", svc.name, "error", err)
			continue
		}
		return &VerifyResult{
			OK:       true,
			PublicIP: ip,
			Location: location,
			Latency:  time.Since(start),
		}
	}

	res := &VerifyResult{OK: false}
	if lastErr != nil {
		res.Message = lastErr.Error()
	}
	return res
}

func fetchEcho(ctx context.Context, client *http.Client, svc echoService) (ip, location string, err error) {
	ctx, cancel := context.WithTimeout(ctx, svc.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.url, nil)
	if err != nil {
		return "", "", fmt.Errorf("outbound: build echo request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("outbound: echo %s: %w", svc.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("outbound: echo %s status %d", svc.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEchoBodySize))
	if err != nil {
		return "", "", fmt.Errorf("outbound: echo %s read: %w", svc.name, err)
	}

	if svc.jsonGeo {
		var geo struct {
			Query   string `json:"query"`
			Country string `json:"country"`
			City    string `json:"city"`
		}
		if err := json.Unmarshal(body, &geo); err != nil {
			return "", "", fmt.Errorf("outbound: echo %s parse: %w", svc.name, err)
		}
		if geo.Query == "" {
			return "", "", fmt.Errorf("outbound: echo %s returned no address", svc.name)
		}
		location = strings.TrimSpace(strings.TrimPrefix(geo.Country+" "+geo.City, " "))
		return geo.Query, location, nil
	}

	ip = strings.TrimSpace(string(body))
	if ip == "" {
		return "", "", fmt.Errorf("outbound: echo %s returned no address", svc.name)
	}
	return ip, "", nil
}
