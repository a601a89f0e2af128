package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"chatd/internal/apperr"
	"chatd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeErrorBody(w, types.ErrorResponse{Error: msg, Code: status})
}

func writeErrorBody(w http.ResponseWriter, body types.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.Code)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor maps a service error to a status code and kind label.
func statusFor(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "Timeout"
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.StatusCode(), string(ae.Kind)
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode(), ""
	}
	return http.StatusInternalServerError, string(apperr.KindInternal)
}

// writeError maps err through statusFor and writes the JSON payload.
func writeError(w http.ResponseWriter, err error) int {
	code, kind := statusFor(err)
	if code == http.StatusTooManyRequests {
		IncrementBackpressure(kind)
	}
	writeErrorBody(w, types.ErrorResponse{Error: err.Error(), Code: code, Kind: kind})
	return code
}
