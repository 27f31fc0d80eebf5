package web

// errors.go turns handler errors into JSON bodies.
//
// The flow:
//  1. Handler returns through respondError(w, r, err)
//  2. core.MapError picks the code, message and HTTP status
//  3. The technical error is logged with the request id for correlation
//  4. Only the mapped message reaches the client

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/logging"
)

// ErrorResponse is the JSON body of every API error. Code is stable and
// safe to branch on; Message and Action are for people.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	msg := core.MapError(err)

	logger := logging.FromContext(r.Context())
	log := logger.Warn
	if msg.Status >= http.StatusInternalServerError {
		log = logger.Error
	}
	log("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", msg.Status,
		"code", msg.Code,
		"error", err.Error(),
	)

	body := ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	}
	// Validation messages are written for users already.
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		body.Message = ve.Message
		body.Field = ve.Field
	}
	writeJSONStatus(w, r, msg.Status, body)
}

// badRequest reports a malformed request that never reached the domain.
func badRequest(w http.ResponseWriter, r *http.Request, field, message string) {
	respondError(w, r, &core.ValidationError{Field: field, Message: message})
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	writeJSONStatus(w, r, http.StatusOK, v)
}

// writeJSONStatus logs encoding failures since the status line is already sent.
func writeJSONStatus(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("json encode error", "error", err)
	}
}
