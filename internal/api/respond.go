package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/ascendore/ascendore-crm/internal/apperr"
)

// envelope is the response body shape shared by every endpoint
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// respondData writes a success envelope
func respondData(w http.ResponseWriter, status int, data interface{}, message string) {
	respondJSON(w, status, envelope{Success: true, Data: data, Message: message})
}

// respondError maps err to a status code and writes a failure envelope.
// Untagged and internal errors are logged and hidden from the client.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Internal(err)
	}

	status := appErr.Kind.HTTPStatus()
	if appErr.Kind == apperr.KindInternal {
		log.Error().
			Err(appErr.Err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Unexpected error")
	} else {
		log.Warn().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Int("status", status).
			Str("code", appErr.Code).
			Str("error", appErr.Message).
			Msg("Application error")
	}

	respondJSON(w, status, envelope{Success: false, Error: &errorBody{Code: appErr.Code, Message: appErr.Message}})
}

// decodeJSON decodes the request body into dst
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		return apperr.Validation("Invalid request body").Wrap(err)
	}
	return nil
}
