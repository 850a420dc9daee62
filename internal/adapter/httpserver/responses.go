// Package httpserver contains the REST API handlers and middleware. It keeps
// HTTP concerns (decoding, status codes, headers) out of the usecase layer.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/tesseralabs/tessera/internal/adapter/observability"
	"github.com/tesseralabs/tessera/internal/domain"
	"github.com/tesseralabs/tessera/internal/service/ratelimiter"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorCode maps a wrapped sentinel to its stable code and HTTP status.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, domain.ErrInvalidPrompt):
		return domain.CodeInvalidPrompt, http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidParams):
		return domain.CodeInvalidParams, http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticated):
		return domain.CodeUnauthenticated, http.StatusUnauthorized
	case errors.Is(err, domain.ErrQuotaExceeded):
		return domain.CodeQuotaExceeded, http.StatusPaymentRequired
	case errors.Is(err, domain.ErrModelNotFound):
		return domain.CodeModelNotFound, http.StatusNotFound
	case errors.Is(err, domain.ErrNotFound):
		return domain.CodeNotFound, http.StatusNotFound
	case errors.Is(err, domain.ErrStateConflict):
		return domain.CodeStateConflict, http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return domain.CodeRateLimited, http.StatusTooManyRequests
	default:
		return domain.CodeInternal, http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	code, status := errorCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Internal details stay in the logs.
		LoggerFrom(r).Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: msg, Details: details}})
}

// writeRejection records the admission rejection metric before writing the
// error response.
func writeRejection(w http.ResponseWriter, r *http.Request, err error) {
	code, _ := errorCode(err)
	observability.JobsRejectedTotal.WithLabelValues(code).Inc()
	writeError(w, r, err, nil)
}

// setRateHeaders exposes the caller's per-minute budget. A zero-valued
// result (rejected before the limiter ran) writes nothing.
func setRateHeaders(w http.ResponseWriter, res ratelimiter.Result) {
	if res.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
	if !res.Allowed && res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds()+0.5)))
	}
}
