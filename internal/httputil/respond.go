// Package httputil provides JSON request and response helpers.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"

	svcerr "github.com/dropvault/dropclaim/internal/errors"
	"github.com/dropvault/dropclaim/internal/logging"
)

const maxRequestBody = 1 << 20

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// ErrorResponse is the JSON envelope for error responses.
type ErrorResponse struct {
	Error   *svcerr.ServiceError `json:"error"`
	TraceID string               `json:"trace_id,omitempty"`
}

// WriteError maps err to its ServiceError and writes the error envelope.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := svcerr.GetServiceError(err)
	WriteJSON(w, serviceErr.HTTPStatus, ErrorResponse{
		Error:   serviceErr,
		TraceID: logging.GetTraceID(r.Context()),
	})
}

// DecodeJSON decodes the request body into dst, rejecting unknown fields
// and oversized bodies.
func DecodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return svcerr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}
