package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/alanyoungcy/polyamm/internal/server/middleware"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 16

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error        string              `json:"error"`
	Code         string              `json:"code,omitempty"`
	MarketID     string              `json:"market_id,omitempty"`
	MarketStatus domain.MarketStatus `json:"market_status,omitempty"`
	Retryable    bool                `json:"retryable,omitempty"`
}

// writeError sends a JSON error body with a machine-readable code.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// errorStatus maps an error to its HTTP status and machine-readable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, domain.ErrState):
		return http.StatusConflict, "state_error"
	case errors.Is(err, domain.ErrInvariantViolation):
		return http.StatusUnprocessableEntity, "invariant_violation"
	case errors.Is(err, domain.ErrConcurrencyTimeout):
		return http.StatusServiceUnavailable, "concurrency_timeout"
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeServiceError translates a service error. Unclassified failures are
// logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("request_id", middleware.RequestID(r.Context())),
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse{Error: op + " failed", Code: code})
		return
	}

	resp := errorResponse{Error: err.Error(), Code: code}
	var me *domain.MarketError
	if errors.As(err, &me) {
		resp.MarketID = me.MarketID
		resp.MarketStatus = me.Status
		resp.Retryable = me.Retryable()
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

// decodeJSON reads a single JSON object from the body, rejecting unknown
// fields and trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()
	return domain.ListOpts{
		Limit:  queryInt(q.Get("limit"), 50, 1, 500),
		Offset: queryInt(q.Get("offset"), 0, 0, 1<<31-1),
	}
}

// queryInt parses v, falling back to def when unparsable and clamping to
// [lo, hi].
func queryInt(v string, def, lo, hi int) int {
	n, err := strconv.Atoi(v)
	if v == "" || err != nil {
		return def
	}
	return min(max(n, lo), hi)
}

// principal returns the authenticated caller. Auth runs before every
// handler that calls this, so a missing principal is a wiring bug.
func principal(r *http.Request) middleware.Principal {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		return middleware.Principal{Actor: "anonymous"}
	}
	return p
}
