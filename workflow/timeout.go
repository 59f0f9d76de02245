package workflow

import (
	"context"
	"fmt"
	"time"
)

// getStepTimeout determines the timeout for a step invocation by precedence:
//  1. an explicit per-call override (e.g. a retry attempt's own deadline)
//  2. the engine-wide default configured on the Engine
//  3. 0 (no timeout, unlimited execution)
//
// Adapted from the teacher's graph/timeout.go getNodeTimeout, generalized
// from NodePolicy to a plain override/default pair. The engine passes an
// override of 0, since StepNode has no timeout field of its own.
func getStepTimeout(override, defaultTimeout time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// invokeWithTimeout wraps a synchronous step Handler invocation with timeout
// enforcement. Like the teacher's executeNodeWithTimeout, enforcement is
// cooperative: the handler must itself observe ctx.Done() for the timeout to
// actually interrupt it. A handler that ignores ctx keeps running, but its
// result is discarded and reported as a timeout error once the deadline
// passes and the handler eventually returns.
func invokeWithTimeout(ctx context.Context, stepID string, timeout time.Duration, h Handler, wc *WorkflowContext, input any) (result StepResult, timeoutErr error) {
	if timeout == 0 {
		return runHandlerSafely(ctx, h, wc, input), nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result = runHandlerSafely(timeoutCtx, h, wc, input)
	if timeoutCtx.Err() == context.DeadlineExceeded {
		return result, newEngineError("STEP_TIMEOUT", fmt.Sprintf("step %s exceeded timeout of %v", stepID, timeout), timeoutCtx.Err())
	}
	return result, nil
}

// runHandlerSafely recovers a panicking Handler into a Fail result tagged
// with CodeStepPanic, matching the panic-handling contract async handlers
// get via runAsyncHandlerSafely.
func runHandlerSafely(ctx context.Context, h Handler, wc *WorkflowContext, input any) (result StepResult) {
	defer func() {
		if r := recover(); r != nil {
			result = Fail(&StepError{Code: CodeStepPanic, Cause: panicToErr(r)})
		}
	}()
	return h(ctx, wc, input)
}
