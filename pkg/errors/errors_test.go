package errors

import (
	"net/http"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := New(CodeValidation, "correlationId is required")
	if got := err.Error(); got != "[VALIDATION_ERROR] correlationId is required" {
		t.Fatalf("unexpected error string: %s", got)
	}

	err = New(CodePermanentParticipant, "declined").WithStep("charge")
	if got := err.Error(); got != "[PERMANENT_PARTICIPANT_ERROR] declined (step=charge)" {
		t.Fatalf("unexpected error string: %s", got)
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Code{
		CodeTransientParticipant, CodeAmbiguousTimeout, CodePersistence,
		CodeVersionConflict, CodeLeaseHeld,
	}
	for _, code := range retryable {
		if !New(code, "x").Retryable {
			t.Fatalf("expected %s to be retryable", code)
		}
	}

	terminal := []Code{
		CodePermanentParticipant, CodeValidation, CodeDefinitionNotFound,
		CodeCompensationFailed, CodeInvalidState,
	}
	for _, code := range terminal {
		if New(code, "x").Retryable {
			t.Fatalf("expected %s to not be retryable", code)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeSagaNotFound, http.StatusNotFound},
		{CodeDefinitionNotFound, http.StatusNotFound},
		{CodeInvalidState, http.StatusConflict},
		{CodeCorrelationConflict, http.StatusConflict},
		{CodeAmbiguousTimeout, http.StatusGatewayTimeout},
		{CodeTransientParticipant, http.StatusServiceUnavailable},
		{CodePersistence, http.StatusInternalServerError},
		{Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := New(c.code, "x").HTTPStatus(); got != c.want {
			t.Fatalf("code %s: expected status %d, got %d", c.code, c.want, got)
		}
	}
}

func TestWrap(t *testing.T) {
	err := Wrap(CodePersistence, "append event", New(CodeInternal, "boom"))
	if err.Code != CodePersistence {
		t.Fatalf("expected code %s, got %s", CodePersistence, err.Code)
	}
	if err.Message != "append event: [INTERNAL] boom" {
		t.Fatalf("unexpected message: %s", err.Message)
	}

	if got := Wrap(CodePersistence, "append event", nil).Message; got != "append event" {
		t.Fatalf("unexpected message: %s", got)
	}
}
