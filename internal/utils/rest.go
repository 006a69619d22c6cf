package utils

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every plain error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondWithError writes {"error": message} with the given status.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, ErrorResponse{Error: message})
}

// RespondWithJSON encodes payload before touching the response, so an
// unencodable payload becomes a clean 500 instead of a truncated body
// under the intended status. Replies are never cacheable since they
// reflect balances and charges.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to encode response"}` + "\n"))
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, err := w.Write(buf.Bytes())
	return err
}
