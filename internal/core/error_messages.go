package core

// error_messages.go maps technical errors to stable user-facing codes.
//
// Codes by category:
//
//	ENT001 - Record not found
//	ENT002 - Uniqueness conflict
//	ENT003 - Unknown entity kind
//	ENT004 - Invalid filter or sort
//	VAL001 - Row or request validation failed
//	FILE001 - File missing or unreadable
//	FILE002 - File too large
//	FILE003 - File is not valid CSV / missing columns
//	STO001 - Storage temporarily unavailable
//	UPL001 - Too many concurrent uploads
//	ERR000 - Anything else; check server logs
//
// The web layer adds RATE001 for per-client rate limiting.
//
// Sentinel errors are matched first with errors.Is; the pattern table catches
// driver messages that arrive unwrapped.

import (
	"errors"
	"net/http"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened
	Action  string // What to do about it
	Code    string // Error code for support reference
	Status  int    // HTTP status for API responses
}

var (
	msgNotFound = UserMessage{
		Message: "The requested record was not found",
		Action:  "Check the identifier and try again",
		Code:    "ENT001",
		Status:  http.StatusNotFound,
	}
	msgConflict = UserMessage{
		Message: "A record with this key already exists",
		Action:  "Use a different value for the unique field",
		Code:    "ENT002",
		Status:  http.StatusConflict,
	}
	msgUnknownKind = UserMessage{
		Message: "Unknown entity kind",
		Action:  "Use one of the kinds listed by /api/kinds",
		Code:    "ENT003",
		Status:  http.StatusBadRequest,
	}
	msgInvalidFilter = UserMessage{
		Message: "The filter or sort is not supported for this entity kind",
		Action:  "Filter and sort only on queryable fields",
		Code:    "ENT004",
		Status:  http.StatusBadRequest,
	}
	msgValidation = UserMessage{
		Message: "The data failed validation",
		Action:  "Correct the highlighted fields and resubmit",
		Code:    "VAL001",
		Status:  http.StatusBadRequest,
	}
	msgTransient = UserMessage{
		Message: "Storage is temporarily unavailable",
		Action:  "Please try again in a few moments",
		Code:    "STO001",
		Status:  http.StatusServiceUnavailable,
	}
)

type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns is matched case-insensitively with strings.Contains.
// First match wins, so specific patterns come before general ones.
var errorPatterns = []errorPattern{
	{"file too large", UserMessage{
		Message: "File exceeds the maximum upload size",
		Action:  "Split the file into smaller parts",
		Code:    "FILE002",
		Status:  http.StatusRequestEntityTooLarge,
	}},
	{"missing required columns", UserMessage{
		Message: "Required columns are missing from the file header",
		Action:  "Download the kind's columns and match the header exactly",
		Code:    "FILE003",
		Status:  http.StatusBadRequest,
	}},
	{"parse error", UserMessage{
		Message: "The file is not valid CSV",
		Action:  "Ensure the file is comma-separated with a header row",
		Code:    "FILE003",
		Status:  http.StatusBadRequest,
	}},
	{"no such key", UserMessage{
		Message: "The uploaded file could not be found",
		Action:  "Upload the file again and resubmit the job",
		Code:    "FILE001",
		Status:  http.StatusNotFound,
	}},
	{"too many concurrent uploads", UserMessage{
		Message: "The server is processing too many uploads",
		Action:  "Please wait a moment before trying again",
		Code:    "UPL001",
		Status:  http.StatusServiceUnavailable,
	}},
	{"duplicate key", msgConflict},
	{"connection refused", msgTransient},
	{"timeout", msgTransient},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
	Status:  http.StatusInternalServerError,
}

// MapError converts a technical error to a user-friendly message.
// A nil error maps to the zero UserMessage.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var ve *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		return msgNotFound
	case errors.Is(err, ErrConflict):
		return msgConflict
	case errors.Is(err, ErrUnknownKind):
		return msgUnknownKind
	case errors.Is(err, ErrInvalidFilter):
		return msgInvalidFilter
	case errors.As(err, &ve):
		return msgValidation
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	if IsTransient(err) {
		return msgTransient
	}
	return defaultMessage
}

// IsUserFacing reports whether err maps to a specific code rather than ERR000.
func IsUserFacing(err error) bool {
	return err != nil && MapError(err).Code != defaultMessage.Code
}
