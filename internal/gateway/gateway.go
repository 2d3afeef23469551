// Package gateway terminates client HTTP connections for the proxy
// endpoint: bearer auth, the body-size ceiling, JSON validation, and the
// panic safety net. Everything past the gateway is the engine's problem.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/siliconpool/siliconpool/internal/engine"
)

type Gateway struct {
	engine        *engine.Engine
	adminPassword string
	maxBodySizeMB int
	logger        *slog.Logger
}

func New(eng *engine.Engine, adminPassword string, maxBodySizeMB int, logger *slog.Logger) *Gateway {
	return &Gateway{
		engine:        eng,
		adminPassword: adminPassword,
		maxBodySizeMB: maxBodySizeMB,
		logger:        logger,
	}
}

// HandleChatCompletions is the client-facing proxy endpoint.
func (g *Gateway) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("panic serving proxy request", "panic", rec)
			engine.WriteErrorInternal(w)
		}
	}()

	if !g.authorize(r) {
		engine.WriteErrorUnauthorized(w)
		return
	}

	body, streaming, ok := g.readBody(w, r)
	if !ok {
		return
	}

	g.engine.Forward(w, r, body, streaming)
}

// authorize compares the bearer token constant-time against the shared
// password. Empty password disables auth entirely.
func (g *Gateway) authorize(r *http.Request) bool {
	if g.adminPassword == "" {
		return true
	}

	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.adminPassword)) == 1
}

// readBody enforces the size ceiling and JSON validity, and extracts the
// only field the proxy interprets: stream.
func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) (body []byte, streaming bool, ok bool) {
	limited := http.MaxBytesReader(w, r.Body, int64(g.maxBodySizeMB)<<20)
	body, err := io.ReadAll(limited)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			g.logger.Warn("request body too large", "limit_mb", g.maxBodySizeMB)
			engine.WriteErrorPayloadTooLarge(w, g.maxBodySizeMB)
			return nil, false, false
		}
		// Client aborted mid-upload. Answer 400 without log noise.
		w.WriteHeader(http.StatusBadRequest)
		return nil, false, false
	}

	var parsed struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		engine.WriteErrorInvalidJSON(w, "request body is not valid JSON")
		return nil, false, false
	}

	return body, parsed.Stream, true
}
