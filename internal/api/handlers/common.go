// Package handlers provides HTTP request handlers for the stascan API.
// This file contains common utilities shared across all handlers.
package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/anstrom/stascan/internal/api/middleware"
	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/wlan"
)

// maxRequestSize bounds request bodies.
const maxRequestSize = 1 << 20

var validate = validator.New()

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but don't try to write another response
		logging.Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
}

// writeError writes an error response. Structured errors carry their code.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	}
	if code := errors.GetCode(err); code != errors.CodeUnknown {
		response.Code = string(code)
	}
	writeJSON(w, r, statusCode, response)
}

// writeStationError maps a station error onto an HTTP status.
func writeStationError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, statusForError(err), err)
}

func statusForError(err error) int {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return http.StatusGatewayTimeout
	}
	switch errors.GetCode(err) {
	case errors.CodeValidation, errors.CodeConfiguration, errors.CodeUnknownClient, errors.CodeNoChannels:
		return http.StatusBadRequest
	case errors.CodeInvalidState, errors.CodeClientBusy, errors.CodeWPSOverlap:
		return http.StatusConflict
	case errors.CodeNoCandidate:
		return http.StatusNotFound
	case errors.CodeQueueFull:
		return http.StatusTooManyRequests
	case errors.CodeServiceUnavailable, errors.CodeHardwareUnavailable:
		return http.StatusServiceUnavailable
	case errors.CodeTimeout, errors.CodeCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// parseJSON decodes and validates the request body into dest. An empty
// body leaves dest untouched.
func parseJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return validateRequest(dest)
	}
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if stderrors.Is(err, io.EOF) {
			return validateRequest(dest)
		}
		return errors.WrapScanError(errors.CodeValidation, "invalid JSON", err)
	}
	return validateRequest(dest)
}

func validateRequest(dest interface{}) error {
	if err := validate.Struct(dest); err != nil {
		var msgs []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
		} else {
			msgs = append(msgs, err.Error())
		}
		return errors.NewScanError(errors.CodeValidation, strings.Join(msgs, "; "))
	}
	return nil
}

// parseBands turns band names into a mask; none means every band.
func parseBands(names []string) (wlan.BandMask, error) {
	if len(names) == 0 {
		return wlan.BandMaskAll, nil
	}
	var mask wlan.BandMask
	for _, name := range names {
		b, err := wlan.ParseBand(name)
		if err != nil {
			return 0, errors.NewScanError(errors.CodeValidation, fmt.Sprintf("unknown band %q", name))
		}
		mask |= 1 << b
	}
	return mask, nil
}

// extractClient reads the {client} path parameter.
func extractClient(r *http.Request) (wlan.ClientID, error) {
	name := mux.Vars(r)["client"]
	client, err := wlan.ParseClientID(name)
	if err != nil {
		return 0, errors.ErrUnknownClient(name)
	}
	return client, nil
}
