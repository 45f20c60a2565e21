package dispatch

import (
	"context"
	"fmt"
	"time"
)

// HandlerExecutionError reports a handler that returned an error or
// panicked. It is recovered locally: logged, the invocation discarded, and
// dispatch continues.
type HandlerExecutionError struct {
	Bot          string
	Name         string
	InvocationID string
	Err          error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler %s/%s failed (invocation %s): %v", e.Bot, e.Name, e.InvocationID, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// HandlerTimeoutError reports a handler that outlived its per-invocation
// deadline. The invocation is abandoned and any late result is discarded.
type HandlerTimeoutError struct {
	Bot          string
	Name         string
	InvocationID string
	Timeout      time.Duration
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler %s/%s exceeded %s (invocation %s)", e.Bot, e.Name, e.Timeout, e.InvocationID)
}

func (e *HandlerTimeoutError) Unwrap() error { return context.DeadlineExceeded }

// DeliveryError reports a transport failure while executing a command. The
// command's effect may or may not have occurred; the core does not retry.
type DeliveryError struct {
	Command string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s: %v", e.Command, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
