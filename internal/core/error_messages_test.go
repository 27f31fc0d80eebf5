package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{name: "nil error returns empty", err: nil, wantCode: "", wantStatus: 0},
		{name: "wrapped not found", err: fmt.Errorf("product %q: %w", "p-1", ErrNotFound), wantCode: "ENT001", wantStatus: http.StatusNotFound},
		{name: "wrapped conflict", err: fmt.Errorf("%w: sku already exists", ErrConflict), wantCode: "ENT002", wantStatus: http.StatusConflict},
		{name: "unknown kind", err: fmt.Errorf("%w: %q", ErrUnknownKind, "widget"), wantCode: "ENT003", wantStatus: http.StatusBadRequest},
		{name: "invalid filter", err: ErrInvalidFilter, wantCode: "ENT004", wantStatus: http.StatusBadRequest},
		{name: "validation error", err: &ValidationError{Field: "price", Message: "missing price"}, wantCode: "VAL001", wantStatus: http.StatusBadRequest},
		{name: "raw duplicate key", err: errors.New("ERROR: duplicate key value violates unique constraint"), wantCode: "ENT002", wantStatus: http.StatusConflict},
		{name: "missing columns", err: errors.New("missing required columns: price"), wantCode: "FILE003", wantStatus: http.StatusBadRequest},
		{name: "file too large", err: errors.New("file too large: 200MB"), wantCode: "FILE002", wantStatus: http.StatusRequestEntityTooLarge},
		{name: "upload slots exhausted", err: ErrTooManyUploads, wantCode: "UPL001", wantStatus: http.StatusServiceUnavailable},
		{name: "transient wrapper", err: Transient("insert", errors.New("conn closed")), wantCode: "STO001", wantStatus: http.StatusServiceUnavailable},
		{name: "unknown error", err: errors.New("something odd"), wantCode: "ERR000", wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError().Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("MapError().Status = %d, want %d", got.Status, tt.wantStatus)
			}
		})
	}
}

func TestIsUserFacing(t *testing.T) {
	if IsUserFacing(nil) {
		t.Error("IsUserFacing(nil) = true, want false")
	}
	if !IsUserFacing(ErrNotFound) {
		t.Error("IsUserFacing(ErrNotFound) = false, want true")
	}
	if IsUserFacing(errors.New("boom")) {
		t.Error("IsUserFacing(boom) = true, want false")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"wrapped transient", fmt.Errorf("write row: %w", Transient("exec", errors.New("reset"))), true},
		{"net timeout", timeoutErr{}, true},
		{"cancelled", context.Canceled, false},
		{"conflict", ErrConflict, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
