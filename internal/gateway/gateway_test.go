package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siliconpool/siliconpool/internal/availability"
	"github.com/siliconpool/siliconpool/internal/balance"
	"github.com/siliconpool/siliconpool/internal/blockdetect"
	"github.com/siliconpool/siliconpool/internal/engine"
	"github.com/siliconpool/siliconpool/internal/monitoring"
	"github.com/siliconpool/siliconpool/internal/outbound"
	"github.com/siliconpool/siliconpool/internal/registry"
	"github.com/siliconpool/siliconpool/internal/selector"
	"github.com/siliconpool/siliconpool/internal/testhelpers"
)

// newTestGateway builds a gateway over a minimal engine pointed at upstream.
func newTestGateway(t *testing.T, upstreamURL, password string) (*Gateway, *registry.Registry) {
	t.Helper()

	st := testhelpers.NewTestStore(t)
	log := testhelpers.NewTestLogger()

	reg := registry.New(st, log)
	usage := registry.NewUsageLog(st, log)
	usage.Start()
	t.Cleanup(func() { _ = usage.Shutdown(context.Background()) })

	detector, err := blockdetect.New(st, log)
	require.NoError(t, err)

	proxyReg := outbound.NewRegistry(st, log)

	eng := engine.New(engine.Config{
		Registry:        reg,
		Usage:           usage,
		Selector:        selector.New(reg, log),
		Controller:      availability.New(reg, log),
		Prober:          balance.NewProber(upstreamURL, log),
		Outbound:        outbound.NewSelector(proxyReg, time.Second, log),
		Detector:        detector,
		Metrics:         monitoring.New(false),
		Logger:          log,
		UpstreamTimeout: time.Second,
		BaseURL:         upstreamURL,
		RetryWait:       10 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
	})

	return New(eng, password, 1, log), reg
}

func TestHandleChatCompletions_EndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "cmpl-1"}`))
	}))
	defer upstream.Close()

	gw, reg := newTestGateway(t, upstream.URL, "")
	_, err := reg.Add(context.Background(), "sk-credential-test-0001")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := testhelpers.NewTestRequest(http.MethodPost, "/api/proxy/chat/completions",
		map[string]any{"model": "test-model", "stream": false})
	gw.HandleChatCompletions(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cmpl-1")
}

func TestHandleChatCompletions_Auth(t *testing.T) {
	gw, _ := newTestGateway(t, "http://127.0.0.1:0", "s3cret")

	t.Run("missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := testhelpers.NewTestRequest(http.MethodPost, "/", map[string]any{})
		gw.HandleChatCompletions(w, req)
		testhelpers.AssertJSONErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")
	})

	t.Run("wrong token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := testhelpers.NewTestRequestWithHeaders(http.MethodPost, "/", map[string]any{},
			map[string]string{"Authorization": "Bearer nope"})
		gw.HandleChatCompletions(w, req)
		testhelpers.AssertJSONErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")
	})

	t.Run("malformed header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := testhelpers.NewTestRequestWithHeaders(http.MethodPost, "/", map[string]any{},
			map[string]string{"Authorization": "s3cret"})
		gw.HandleChatCompletions(w, req)
		testhelpers.AssertJSONErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")
	})

	t.Run("correct token reaches the engine", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := testhelpers.NewTestRequestWithHeaders(http.MethodPost, "/", map[string]any{},
			map[string]string{"Authorization": "Bearer s3cret"})
		gw.HandleChatCompletions(w, req)
		// No credentials in the pool, so the engine answers 503.
		testhelpers.AssertJSONErrorResponse(t, w, http.StatusServiceUnavailable, "service_unavailable")
	})
}

func TestHandleChatCompletions_InvalidJSON(t *testing.T) {
	gw, _ := newTestGateway(t, "http://127.0.0.1:0", "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	gw.HandleChatCompletions(w, req)

	testhelpers.AssertJSONErrorResponse(t, w, http.StatusBadRequest, "invalid_json")
}

func TestHandleChatCompletions_PayloadTooLarge(t *testing.T) {
	gw, _ := newTestGateway(t, "http://127.0.0.1:0", "")

	// 1 MB limit; send a bit more.
	big := bytes.Repeat([]byte("a"), 1<<20+512)
	body := append([]byte(`{"pad": "`), big...)
	body = append(body, []byte(`"}`)...)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	gw.HandleChatCompletions(w, req)

	apiErr := testhelpers.AssertJSONErrorResponse(t, w, http.StatusRequestEntityTooLarge, "payload_too_large")
	require.NotNil(t, apiErr.Reason)
	assert.Contains(t, *apiErr.Reason, "1 MB")
}

func TestHandleChatCompletions_StreamFlagExtraction(t *testing.T) {
	var sawStream bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		sawStream = true
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	gw, reg := newTestGateway(t, upstream.URL, "")
	_, err := reg.Add(context.Background(), "sk-credential-test-0001")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := testhelpers.NewTestRequest(http.MethodPost, "/",
		map[string]any{"model": "test-model", "stream": true})
	gw.HandleChatCompletions(w, req)

	assert.True(t, sawStream)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "[DONE]")
}
