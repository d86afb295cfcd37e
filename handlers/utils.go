package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "entity-hierarchy-engine/errors"
)

// ErrorResponse is the JSON body of a failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
	Details string `json:"details,omitempty"`
}

// respondJSON writes a JSON response with the given status code
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// respondError writes an error response, mapping the engine error taxonomy
// to HTTP status codes
func respondError(w http.ResponseWriter, err error) {
	if appErr, ok := apperrors.AsAppError(err); ok {
		respondJSON(w, appErr.GetHTTPStatusCode(), ErrorResponse{
			Error:   appErr.Message,
			Code:    appErr.Code,
			Type:    string(appErr.Type),
			Details: appErr.Details,
		})
		return
	}

	respondJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error: err.Error(),
	})
}
