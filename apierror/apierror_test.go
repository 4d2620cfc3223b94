package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := BadRequest(CodeStateMismatch, "state mismatch")
	if got := err.Error(); got != "STATE_MISMATCH: state mismatch" {
		t.Errorf("Error() = %q, want %q", got, "STATE_MISMATCH: state mismatch")
	}
	if err.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", err.Status, http.StatusBadRequest)
	}
}

func TestFrom(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "api error",
			err:        Unauthorized(CodeUnauthorized, "no session"),
			wantStatus: http.StatusUnauthorized,
			wantCode:   CodeUnauthorized,
		},
		{
			name:       "wrapped api error",
			err:        fmt.Errorf("handler: %w", NotFound(CodeUserNotFound, "user not found")),
			wantStatus: http.StatusNotFound,
			wantCode:   CodeUserNotFound,
		},
		{
			name:       "plain error",
			err:        errors.New("connection reset"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := From(tt.err)
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}

	if From(nil) != nil {
		t.Error("From(nil) should be nil")
	}
}

func TestFrom_DoesNotLeakCause(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:5432: connection refused")
	got := From(cause)
	if got.Message != "internal server error" {
		t.Errorf("Message = %q, want generic message", got.Message)
	}
	if !errors.Is(got, cause) {
		t.Error("classified error should still wrap its cause")
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("exchange: %w", BadRequest(CodeStateMismatch, "state mismatch"))
	if !Is(err, CodeStateMismatch) {
		t.Error("Is() = false, want true")
	}
	if Is(err, CodeStateNotFound) {
		t.Error("Is() = true for a different code")
	}
}

func TestCodes_Merge(t *testing.T) {
	dst := BaseCodes()

	if err := dst.Merge(Codes{"WIDGET_BROKEN": {Code: "WIDGET_BROKEN", Message: "widget broken"}}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if _, ok := dst["WIDGET_BROKEN"]; !ok {
		t.Error("merged code missing")
	}

	// identical re-declaration is fine
	if err := dst.Merge(Codes{"STATE_MISMATCH": dst["STATE_MISMATCH"]}); err != nil {
		t.Errorf("Merge() identical error = %v", err)
	}

	// conflicting re-declaration is rejected
	err := dst.Merge(Codes{"STATE_MISMATCH": {Code: "STATE_MISMATCH", Message: "something else"}})
	if err == nil {
		t.Fatal("Merge() expected conflict error")
	}
	if dst["STATE_MISMATCH"].Message != "state mismatch" {
		t.Error("conflicting merge must not overwrite the existing code")
	}
}
