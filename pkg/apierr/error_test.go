package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name        string
		err         *Error
		wantStatus  int
		wantDetails bool
	}{
		{"plain", InvalidPayload(errors.New("missing prefix")), http.StatusBadRequest, false},
		{"refusal", CleanupRefused("still staged", []string{"a.bam"}), http.StatusConflict, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Status() != tt.wantStatus {
				t.Errorf("status = %d, want %d", tt.err.Status(), tt.wantStatus)
			}
			raw, err := json.Marshal(tt.err.Response())
			if err != nil {
				t.Fatal(err)
			}
			if got := strings.Contains(string(raw), `"details"`); got != tt.wantDetails {
				t.Errorf("body = %s, details present = %v", raw, got)
			}
		})
	}
}

func TestErrorMatchesByCode(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("write: %w", InternalError(cause))
	if !errors.Is(err, InternalError(nil)) {
		t.Error("wrapped error does not match its catalog entry")
	}
	if errors.Is(err, NotFound("object")) {
		t.Error("matched a different code")
	}
	if !errors.Is(err, cause) {
		t.Error("cause lost")
	}
}

func TestWithDetailsCopies(t *testing.T) {
	base := New(CodeCleanupRefused, http.StatusConflict, "refused")
	withFiles := base.WithDetails([]string{"a.bam"})
	if base.Details() != nil {
		t.Error("WithDetails mutated the receiver")
	}
	if withFiles.Message() != "refused" || withFiles.Details() == nil {
		t.Errorf("copy = %+v", withFiles)
	}
}
