package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsChain(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(cause, SandboxSetupFailed)
	if !stderrors.Is(err, cause) {
		t.Fatalf("wrapped error must unwrap to its cause")
	}
	if GetCode(fmt.Errorf("outer: %w", err)) != SandboxSetupFailed {
		t.Fatalf("code lost through fmt wrapping")
	}
	if Wrap(nil, SandboxError) != nil {
		t.Fatalf("wrapping nil must return nil")
	}
}

func TestWrapRecodesExistingError(t *testing.T) {
	inner := New(CacheError)
	out := Wrap(fmt.Errorf("ctx: %w", inner), ServiceUnavailable)
	if out != inner || out.Code != ServiceUnavailable {
		t.Fatalf("expected in-place recode, got %+v", out)
	}
}

func TestGetCodeAndIs(t *testing.T) {
	if GetCode(nil) != Success {
		t.Fatalf("nil must map to Success")
	}
	if GetCode(stderrors.New("plain")) != InternalServerError {
		t.Fatalf("foreign errors must map to InternalServerError")
	}
	if !Is(New(QueueFull), QueueFull) || Is(New(QueueFull), QueueTimeout) || Is(nil, QueueFull) {
		t.Fatalf("Is mismatch")
	}
	if GetError(stderrors.New("x")).Code != InternalServerError {
		t.Fatalf("GetError must wrap foreign errors")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code   ErrorCode
		status int
	}{
		{Success, http.StatusOK},
		{TokenExpired, http.StatusUnauthorized},
		{JobNotFound, http.StatusNotFound},
		{CodeTooLarge, http.StatusRequestEntityTooLarge},
		{CustomInputTooLarge, http.StatusRequestEntityTooLarge},
		{QueueFull, http.StatusTooManyRequests},
		{RunTooFrequently, http.StatusTooManyRequests},
		{QueueTimeout, http.StatusServiceUnavailable},
		{ValidationFailed, http.StatusBadRequest},
		{LanguageNotSupported, http.StatusBadRequest},
		{SandboxError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.code.HTTPStatus(); got != tc.status {
			t.Fatalf("%d: expected %d, got %d", tc.code, tc.status, got)
		}
	}
}

func TestLimitErrorDetails(t *testing.T) {
	err := LimitError(CodeTooLarge, "source", 70000, 65536)
	if err.Details["field"] != "source" || err.Details["limit"] != 65536 {
		t.Fatalf("unexpected details: %v", err.Details)
	}
	if err.Error() != CodeTooLarge.Message() {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if !QueueTimeout.IsBackpressure() || SandboxError.IsBackpressure() {
		t.Fatalf("backpressure classification mismatch")
	}
}
