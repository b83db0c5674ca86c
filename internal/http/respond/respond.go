package respond

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hongminglow/usersync/internal/apperr"
)

// Envelope is the standard API response wrapper used across handlers.
// Reason is set on errors and is stable for clients to branch on.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// JSON writes a success or informational response using the common envelope.
func JSON(w http.ResponseWriter, status int, message string, data any) {
	write(w, status, Envelope{Code: status, Message: message, Data: data})
}

// Error writes an error response with the shared envelope structure.
func Error(w http.ResponseWriter, status int, reason, message string) {
	write(w, status, Envelope{Code: status, Message: message, Reason: reason})
}

// Err maps err onto its status and reason.
func Err(w http.ResponseWriter, err error) {
	ErrStatus(w, apperr.HTTPStatus(err), err)
}

// ErrStatus writes err with an explicit status. Server-side failures only
// expose the status text, never the wrapped cause.
func ErrStatus(w http.ResponseWriter, status int, err error) {
	message := err.Error()
	if status >= http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	Error(w, status, apperr.Reason(err), message)
}

func write(w http.ResponseWriter, status int, payload Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("respond: encode payload failed", "error", err)
	}
}
