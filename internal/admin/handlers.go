// Package admin exposes the management JSON API: credential CRUD, usage
// history, outbound-proxy CRUD, verification, and the global proxy mode.
// Handlers only call registry operations and the probe; no engine state.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/siliconpool/siliconpool/internal/availability"
	"github.com/siliconpool/siliconpool/internal/balance"
	"github.com/siliconpool/siliconpool/internal/engine"
	"github.com/siliconpool/siliconpool/internal/outbound"
	"github.com/siliconpool/siliconpool/internal/registry"
	"github.com/siliconpool/siliconpool/internal/worker"
)

type Handlers struct {
	registry   *registry.Registry
	usage      *registry.UsageLog
	controller *availability.Controller
	prober     *balance.Prober
	proxies    *outbound.Registry
	outbound   *outbound.Selector
	jobs       chan<- worker.Job
	logger     *slog.Logger
}

func New(
	reg *registry.Registry,
	usage *registry.UsageLog,
	controller *availability.Controller,
	prober *balance.Prober,
	proxies *outbound.Registry,
	sel *outbound.Selector,
	jobs chan<- worker.Job,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		registry:   reg,
		usage:      usage,
		controller: controller,
		prober:     prober,
		proxies:    proxies,
		outbound:   sel,
		jobs:       jobs,
		logger:     logger,
	}
}

// Routes registers the admin endpoints on a chi router.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/credentials", h.listCredentials)
	r.Post("/credentials", h.addCredential)
	r.Get("/credentials/export", h.exportCredentials)
	r.Get("/credentials/{id}", h.getCredential)
	r.Delete("/credentials/{id}", h.deleteCredential)
	r.Post("/credentials/{id}/availability", h.setAvailability)
	r.Post("/credentials/{id}/status", h.setStatus)
	r.Get("/credentials/{id}/usage", h.credentialUsage)

	r.Get("/proxies", h.listProxies)
	r.Post("/proxies", h.addProxy)
	r.Delete("/proxies/{id}", h.deleteProxy)
	r.Post("/proxies/{id}/verify", h.verifyProxy)
	r.Post("/proxies/mode", h.setProxyMode)
}

func (h *Handlers) listCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.registry.List(r.Context())
	if err != nil {
		h.internalError(w, "list credentials", err)
		return
	}

	masked := make([]registry.Credential, len(creds))
	for i, c := range creds {
		masked[i] = c.Masked()
	}
	writeJSON(w, http.StatusOK, masked)
}

func (h *Handlers) addCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Secret) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be {\"secret\": \"...\"}")
		return
	}

	secret := strings.TrimSpace(req.Secret)
	id, err := h.registry.Add(r.Context(), secret)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateSecret) {
			writeError(w, http.StatusConflict, "duplicate_secret", "credential already exists")
			return
		}
		h.internalError(w, "add credential", err)
		return
	}

	// An immediate probe gives the new credential a balance and applies the
	// availability rules before it is ever selected.
	res := h.prober.Probe(r.Context(), secret)
	if err := h.controller.ApplyProbe(r.Context(), id, res); err != nil {
		h.logger.Warn("initial balance probe apply failed", "credential_id", id, "error", err)
	}

	cred, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.internalError(w, "get credential", err)
		return
	}
	writeJSON(w, http.StatusCreated, cred.Masked())
}

func (h *Handlers) exportCredentials(w http.ResponseWriter, r *http.Request) {
	secrets, err := h.registry.ExportSecrets(r.Context())
	if err != nil {
		h.internalError(w, "export credentials", err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strings.Join(secrets, "\n")))
}

func (h *Handlers) getCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}

	cred, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.registryError(w, "get credential", err)
		return
	}
	writeJSON(w, http.StatusOK, cred.Masked())
}

func (h *Handlers) deleteCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}

	if err := h.registry.Delete(r.Context(), id); err != nil {
		h.registryError(w, "delete credential", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) setAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be {\"available\": bool}")
		return
	}

	if err := h.controller.ManualToggle(r.Context(), id, req.Available); err != nil {
		h.registryError(w, "toggle availability", err)
		return
	}

	cred, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.registryError(w, "get credential", err)
		return
	}
	writeJSON(w, http.StatusOK, cred.Masked())
}

func (h *Handlers) setStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Status registry.Status `json:"status"`
		Error  *string         `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !registry.ValidStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid_request", "status must be active, insufficient, or error")
		return
	}

	if err := h.registry.SetStatus(r.Context(), id, req.Status, req.Error); err != nil {
		h.registryError(w, "set status", err)
		return
	}

	cred, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.registryError(w, "get credential", err)
		return
	}
	writeJSON(w, http.StatusOK, cred.Masked())
}

func (h *Handlers) credentialUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	// Flush so entries recorded just before this read are visible.
	if err := h.usage.Flush(r.Context()); err != nil {
		h.internalError(w, "flush usage log", err)
		return
	}

	entries, err := h.usage.Recent(r.Context(), id, limit)
	if err != nil {
		h.internalError(w, "read usage log", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handlers) listProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := h.proxies.List(r.Context())
	if err != nil {
		h.internalError(w, "list proxies", err)
		return
	}

	enabled, err := h.proxies.Enabled(r.Context())
	if err != nil {
		h.internalError(w, "read proxy mode", err)
		return
	}

	pin, err := h.proxies.CurrentPin(r.Context())
	if err != nil {
		h.internalError(w, "read proxy pin", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": enabled,
		"pin":     pin,
		"proxies": proxies,
	})
}

func (h *Handlers) addProxy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scheme   string `json:"scheme"`
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid proxy body")
		return
	}

	id, err := h.proxies.Add(r.Context(), req.Scheme, req.Host, req.Port, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, outbound.ErrInvalidScheme) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		h.internalError(w, "add proxy", err)
		return
	}

	// Verify newly added proxies in the background; the admin can re-run
	// verification on demand.
	h.scheduleVerification(id)

	p, err := h.proxies.Get(r.Context(), id)
	if err != nil {
		h.internalError(w, "get proxy", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) deleteProxy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}

	if err := h.proxies.Delete(r.Context(), id); err != nil {
		if errors.Is(err, outbound.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "proxy not found")
			return
		}
		h.internalError(w, "delete proxy", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) verifyProxy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}

	result, err := h.outbound.Verify(r.Context(), id)
	if err != nil {
		if errors.Is(err, outbound.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "proxy not found")
			return
		}
		h.internalError(w, "verify proxy", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) setProxyMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be {\"enabled\": bool}")
		return
	}

	if err := h.proxies.SetEnabled(r.Context(), req.Enabled); err != nil {
		h.internalError(w, "set proxy mode", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (h *Handlers) scheduleVerification(proxyID int64) {
	if h.jobs == nil {
		return
	}
	select {
	case h.jobs <- &verifyJob{selector: h.outbound, proxyID: proxyID}:
	default:
		h.logger.Warn("proxy verification skipped: job queue full", "proxy_id", proxyID)
	}
}

type verifyJob struct {
	selector *outbound.Selector
	proxyID  int64
}

func (j *verifyJob) Execute(ctx context.Context) error {
	_, err := j.selector.Verify(ctx, j.proxyID)
	return err
}

func (h *Handlers) idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handlers) registryError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "credential not found")
		return
	}
	h.internalError(w, op, err)
}

func (h *Handlers) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("admin operation failed", "op", op, "error", err)
	engine.WriteErrorInternal(w)
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, statusCode int, errType, message string) {
	engine.WriteJSONError(w, statusCode, engine.APIError{Message: message, Type: errType})
}
