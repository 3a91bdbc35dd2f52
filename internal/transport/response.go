// Package transport contains the channel adapters and the ops HTTP surface:
// the Telegram long-poll bridge that feeds the conversation manager, and the
// chi router exposing health, metrics, and the admin session API.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/nteguem/armelle-manager-sub002/model"
)

// statusForCode maps fault codes to HTTP status codes on the admin API.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrUnauthorized:      http.StatusUnauthorized,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrConflict:          http.StatusConflict,
	model.ErrValidationFailure: http.StatusUnprocessableEntity,
	model.ErrInvalidTransition: http.StatusUnprocessableEntity,
	model.ErrRateLimited:       http.StatusTooManyRequests,
	model.ErrServiceFailure:    http.StatusBadGateway,
	model.ErrInternal:          http.StatusInternalServerError,
	model.ErrDefinitionError:   http.StatusInternalServerError,
	model.ErrStepChainOverrun:  http.StatusInternalServerError,
	model.ErrNavigationFailure: http.StatusUnprocessableEntity,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteFault writes a fault as a JSON error response with the matching HTTP
// status code. Errors that are not a *model.Fault become a generic 500.
func WriteFault(w http.ResponseWriter, err error) {
	f, ok := err.(*model.Fault)
	if !ok {
		f = model.NewInternalFault(err)
	}

	status := statusForCode[f.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.Fault `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: f})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteFault(w, model.NewNotFoundFault(msg))
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, msg string) {
	WriteFault(w, model.NewUnauthorizedFault(msg))
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteFault(w, model.NewBadRequestFault(msg))
}
