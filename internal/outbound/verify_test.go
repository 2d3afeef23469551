package outbound

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchEcho_JSONGeo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"query": "203.0.113.7", "country": "Germany", "city": "Frankfurt"}`))
	}))
	defer server.Close()

	svc := echoService{name: "test", url: server.URL, timeout: time.Second, jsonGeo: true}
	ip, location, err := fetchEcho(context.Background(), http.DefaultClient, svc)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ip)
	assert.Equal(t, "Germany Frankfurt", location)
}

func TestFetchEcho_Plain(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("203.0.113.7\n"))
	}))
	defer server.Close()

	svc := echoService{name: "test", url: server.URL, timeout: time.Second}
	ip, location, err := fetchEcho(context.Background(), http.DefaultClient, svc)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ip)
	assert.Empty(t, location)
}

func TestFetchEcho_Failures(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		svc := echoService{name: "test", url: server.URL, timeout: time.Second}
		_, _, err := fetchEcho(context.Background(), http.DefaultClient, svc)
		assert.Error(t, err)
	})

	t.Run("empty body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("   "))
		}))
		defer server.Close()

		svc := echoService{name: "test", url: server.URL, timeout: time.Second}
		_, _, err := fetchEcho(context.Background(), http.DefaultClient, svc)
		assert.Error(t, err)
	})

	t.Run("geo without address", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"country": "Germany"}`))
		}))
		defer server.Close()

		svc := echoService{name: "test", url: server.URL, timeout: time.Second, jsonGeo: true}
		_, _, err := fetchEcho(context.Background(), http.DefaultClient, svc)
		assert.Error(t, err)
	})
}

func TestRunEchoes_FallbackOrder(t *testing.T) {
	sel, _ := newTestSelector(t)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("198.51.100.4"))
	}))
	defer working.Close()

	original := echoServices
	defer func() { echoServices = original }()
	echoServices = []echoService{
		{name: "primary", url: failing.URL, timeout: time.Second, jsonGeo: true},
		{name: "fallback", url: working.URL, timeout: time.Second},
	}

	result := sel.runEchoes(context.Background(), http.DefaultClient)
	require.True(t, result.OK)
	assert.Equal(t, "198.51.100.4", result.PublicIP)
	assert.Greater(t, result.Latency, time.Duration(0))
}

func TestRunEchoes_AllFail(t *testing.T) {
	sel, _ := newTestSelector(t)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	original := echoServices
	defer func() { echoServices = original }()
	echoServices = []echoService{
		{name: "only", url: failing.URL, timeout: time.Second},
	}

	result := sel.runEchoes(context.Background(), http.DefaultClient)
	assert.False(t, result.OK)
	assert.NotEmpty(t, result.Message)
}

func TestVerify_RecordsOutcome(t *testing.T) {
	sel, reg := newTestSelector(t)
	ctx := context.Background()

	// Unknown proxy surfaces as ErrNotFound.
	_, err := sel.Verify(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)

	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("198.51.100.4"))
	}))
	defer echo.Close()

	original := echoServices
	defer func() { echoServices = original }()
	echoServices = []echoService{{name: "test", url: echo.URL, timeout: time.Second}}

	// An unreachable proxy endpoint is a failed verification, not an error.
	id, err := reg.Add(ctx, "socks5", "127.0.0.1", 1, "", "")
	require.NoError(t, err)

	result, err := sel.Verify(ctx, id)
	require.NoError(t, err)
	assert.False(t, result.OK)

	p, err := reg.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, p.Verified)
	assert.NotNil(t, p.VerifiedAt)
}
