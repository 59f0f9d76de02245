package workflow

import (
	"errors"
	"testing"
)

func TestEngineError_ErrorAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("root cause")
	e := newEngineError(CodeHandlerError, "step blew up", cause)
	if e.Error() != "HANDLER_ERROR: step blew up" {
		t.Fatalf("unexpected Error() = %q", e.Error())
	}
	if !errors.Is(e, cause) {
		t.Fatal("expected errors.Is to unwrap to cause")
	}

	bare := newEngineError(CodeCancelled, "", nil)
	if bare.Error() != "CANCELLED" {
		t.Fatalf("expected bare code as message, got %q", bare.Error())
	}
}

func TestStepError_ErrorAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("nil pointer")
	se := &StepError{Code: CodeStepPanic, StepID: "render", Cause: cause}
	if se.Error() != "step render: STEP_PANIC: nil pointer" {
		t.Fatalf("unexpected Error() = %q", se.Error())
	}
	if !errors.Is(se, cause) {
		t.Fatal("expected errors.Is to unwrap to cause")
	}

	noStep := &StepError{Code: CodeStepPanic, Cause: cause}
	if noStep.Error() != "STEP_PANIC: nil pointer" {
		t.Fatalf("unexpected Error() without StepID = %q", noStep.Error())
	}
}

func TestPanicToErr(t *testing.T) {
	t.Parallel()

	if err := panicToErr(errors.New("already an error")); err.Error() != "already an error" {
		t.Fatalf("expected error value to pass through, got %v", err)
	}
	if err := panicToErr("plain string panic"); err.Error() != "plain string panic" {
		t.Fatalf("expected string panic wrapped, got %v", err)
	}
	if err := panicToErr(42); err.Error() != "42" {
		t.Fatalf("expected arbitrary value formatted, got %v", err)
	}
}

func TestErrorCode_ExtractsTaxonomyCode(t *testing.T) {
	t.Parallel()

	if got := errorCode(newEngineError(CodeAsyncTimeout, "timed out", nil)); got != CodeAsyncTimeout {
		t.Fatalf("expected %s, got %s", CodeAsyncTimeout, got)
	}
	if got := errorCode(&StepError{Code: CodeStepPanic, Cause: errors.New("x")}); got != CodeStepPanic {
		t.Fatalf("expected %s, got %s", CodeStepPanic, got)
	}
	if got := errorCode(errors.New("plain")); got != CodeHandlerError {
		t.Fatalf("expected fallback %s, got %s", CodeHandlerError, got)
	}
}
