package engine

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/siliconpool/siliconpool/internal/blockdetect"
)

// Client-visible error types.
const (
	ErrTypeIPBlocked          = "ip_blocked"
	ErrTypeServiceUnavailable = "service_unavailable"
	ErrTypeUnauthorized       = "unauthorized"
	ErrTypeGatewayTimeout     = "gateway_timeout"
	ErrTypeStreamError        = "stream_error"
	ErrTypeInternalError      = "internal_error"
	ErrTypeRequestAborted     = "request_aborted"
	ErrTypePayloadTooLarge    = "payload_too_large"
	ErrTypeInvalidJSON        = "invalid_json"
)

// APIErrorResponse is the error envelope every client-visible failure uses.
type APIErrorResponse struct {
	Error APIError `json:"error"`
}

// APIError is the error object inside the envelope.
type APIError struct {
	Message          string  `json:"message"`
	Type             string  `json:"type"`
	Reason           *string `json:"reason,omitempty"`
	UnblockAt        *string `json:"unblock_at,omitempty"`
	RemainingMinutes *int    `json:"remaining_minutes,omitempty"`
}

// WriteJSONError writes the envelope. The single writer keeps the schema
// identical across the gateway, the admin API, and the engine.
func WriteJSONError(w http.ResponseWriter, statusCode int, apiErr APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(APIErrorResponse{Error: apiErr})
}

// WriteErrorUnauthorized writes a 401 unauthorized envelope.
func WriteErrorUnauthorized(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusUnauthorized, APIError{
		Message: "invalid or missing bearer token",
		Type:    ErrTypeUnauthorized,
	})
}

// WriteErrorPayloadTooLarge writes a 413 envelope.
func WriteErrorPayloadTooLarge(w http.ResponseWriter, limitMB int) {
	WriteJSONError(w, http.StatusRequestEntityTooLarge, APIError{
		Message: "request body exceeds limit",
		Type:    ErrTypePayloadTooLarge,
		Reason:  strPtr(formatMBLimit(limitMB)),
	})
}

// WriteErrorInvalidJSON writes a 400 envelope for unparsable bodies.
func WriteErrorInvalidJSON(w http.ResponseWriter, message string) {
	WriteJSONError(w, http.StatusBadRequest, APIError{
		Message: message,
		Type:    ErrTypeInvalidJSON,
	})
}

// WriteErrorInternal writes the 500 safety-net envelope.
func WriteErrorInternal(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusInternalServerError, APIError{
		Message: "internal error",
		Type:    ErrTypeInternalError,
	})
}

// WriteErrorServiceUnavailable writes the 503 terminal envelope with the
// last upstream error as the reason.
func WriteErrorServiceUnavailable(w http.ResponseWriter, reason string) {
	WriteJSONError(w, http.StatusServiceUnavailable, APIError{
		Message: "no upstream credential could serve the request",
		Type:    ErrTypeServiceUnavailable,
		Reason:  strPtr(reason),
	})
}

// WriteErrorGatewayTimeout writes a 504 envelope for upstream timeouts.
func WriteErrorGatewayTimeout(w http.ResponseWriter, reason string) {
	WriteJSONError(w, http.StatusGatewayTimeout, APIError{
		Message: "upstream timed out",
		Type:    ErrTypeGatewayTimeout,
		Reason:  strPtr(reason),
	})
}

// WriteErrorBlocked writes the 503 cooldown envelope from a block record.
func WriteErrorBlocked(w http.ResponseWriter, rec *blockdetect.Record) {
	remaining := rec.RemainingMinutes()
	WriteJSONError(w, http.StatusServiceUnavailable, APIError{
		Message:          "source IP is temporarily blocked by upstream",
		Type:             ErrTypeIPBlocked,
		Reason:           strPtr(rec.Reason),
		UnblockAt:        strPtr(rec.UnblockAt.Format(time.RFC3339)),
		RemainingMinutes: &remaining,
	})
}

// WriteErrorStream writes a 502 envelope for streams that failed before any
// byte reached the client.
func WriteErrorStream(w http.ResponseWriter, reason string) {
	WriteJSONError(w, http.StatusBadGateway, APIError{
		Message: "upstream stream failed before any data arrived",
		Type:    ErrTypeStreamError,
		Reason:  strPtr(reason),
	})
}

func strPtr(s string) *string { return &s }

func formatMBLimit(limitMB int) string {
	b, _ := json.Marshal(limitMB)
	return "limit is " + string(b) + " MB"
}
