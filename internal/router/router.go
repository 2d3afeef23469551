// Package router registers the HTTP surface: the proxy endpoint, health,
// Prometheus metrics, and the admin API behind bearer auth and CORS.
package router

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siliconpool/siliconpool/internal/admin"
	"github.com/siliconpool/siliconpool/internal/blockdetect"
	"github.com/siliconpool/siliconpool/internal/engine"
	"github.com/siliconpool/siliconpool/internal/gateway"
	"github.com/siliconpool/siliconpool/internal/health"
)

type Config struct {
	Gateway       *gateway.Gateway
	Admin         *admin.Handlers
	Detector      *blockdetect.Detector
	Checker       *health.Checker
	AdminPassword string
	Logger        *slog.Logger
}

// New builds the full route tree.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(cfg.Logger))

	r.Post("/api/proxy/chat/completions", cfg.Gateway.HandleChatCompletions)
	r.Get("/api/proxy/health", healthHandler(cfg.Detector, cfg.Checker))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		r.Use(bearerAuth(cfg.AdminPassword))
		cfg.Admin.Routes(r)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		engine.WriteJSONError(w, http.StatusNotFound, engine.APIError{
			Message: "not found",
			Type:    "not_found",
		})
	})

	return r
}

type healthResponse struct {
	Status    string              `json:"status"`
	IPBlocked bool                `json:"ip_blocked"`
	BlockInfo *blockdetect.Record `json:"block_info,omitempty"`
}

// healthHandler answers from cached state only: the detector's in-memory
// record and the liveness flag. It never queries the store.
func healthHandler(detector *blockdetect.Detector, checker *health.Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}

		if rec := detector.Active(); rec != nil {
			resp.Status = "blocked"
			resp.IPBlocked = true
			resp.BlockInfo = rec
		} else if !checker.IsHealthy() {
			resp.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == "degraded" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// bearerAuth guards the admin subtree with the shared password. An empty
// password leaves the API open, same as the proxy endpoint.
func bearerAuth(password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !found || subtle.ConstantTimeCompare([]byte(token), []byte(password)) != 1 {
				engine.WriteErrorUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
