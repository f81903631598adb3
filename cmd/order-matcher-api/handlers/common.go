// Package handlers provides HTTP handlers for the order matcher API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

// ErrorDTO is the error response body.
type ErrorDTO struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, logger *observability.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, logger *observability.Logger, status int, message, detail string) {
	writeJSON(w, logger, status, ErrorDTO{Error: message, Message: message, Detail: detail})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindMalformed:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError writes err with the status derived from its kind.
func writeAppError(w http.ResponseWriter, logger *observability.Logger, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("kind", string(kind)).Msg("Request failed")
	}

	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	}
	writeJSON(w, logger, status, ErrorDTO{Error: msg, Kind: string(kind), Message: msg, Detail: err.Error()})
}

// decodeBody decodes a JSON request body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Malformed("http.decode", "invalid request body", err)
	}
	return nil
}
