// Response bodies and helpers shared by the admin handlers.

package api

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// AcceptedResponse is returned when a job was queued or re-queued.
type AcceptedResponse struct {
	ID      int64  `json:"id"`
	Message string `json:"message,omitempty"`
}

// RespondWithJSON writes payload as JSON with the given status code.
func RespondWithJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to marshal response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	w.Write(body)
}

func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, ErrorResponse{Error: message})
}

// RespondAccepted replies 202 for job id.
func RespondAccepted(w http.ResponseWriter, id int64, message string) {
	RespondWithJSON(w, http.StatusAccepted, AcceptedResponse{ID: id, Message: message})
}
