// Package handlers provides the HTTP handlers of the gateway.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"glance/internal/jsvmerr"
	"glance/internal/storage"
	"glance/internal/widgetpkg"
)

// maxBodyBytes bounds request bodies. Packages and deposited payloads are the
// largest bodies the API accepts.
const maxBodyBytes = 8 << 20

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error code and message. Details lists individual
// validation failures when there are several.
type ErrorDetail struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// SendJSON writes a JSON response with the given status code.
func SendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// SendError writes an error response with the given status code, error code, and message.
func SendError(w http.ResponseWriter, status int, code, message string) {
	SendJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// Common error codes.
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeValidation         = "VALIDATION_FAILED"
	ErrCodeInvalidPackage     = "INVALID_PACKAGE"
	ErrCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// SendErrorFor maps err onto a status code and error body.
func SendErrorFor(w http.ResponseWriter, err error) {
	var (
		importErr *widgetpkg.ImportError
		decodeErr *widgetpkg.DecodeError
	)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		SendError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, storage.ErrConflict):
		SendError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.As(err, &importErr):
		SendJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Code:    ErrCodeInvalidPackage,
			Message: err.Error(),
			Details: importErr.Errors,
		}})
	case errors.As(err, &decodeErr):
		SendError(w, http.StatusBadRequest, ErrCodeInvalidPackage, err.Error())
	case errors.Is(err, jsvmerr.ErrValidation), errors.Is(err, jsvmerr.ErrTranspile):
		SendError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, jsvmerr.ErrConfiguration):
		SendError(w, http.StatusUnprocessableEntity, ErrCodeConfiguration, err.Error())
	default:
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// readBody reads a raw request body.
func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}
