package parinvoke

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

// RemoteError is an error raised in a worker process and relayed to the parent.
// Go error values cannot cross a process boundary, so the type name, message and
// cause chain are captured as text.
type RemoteError struct {
	// Type is the dynamic Go type of the original error (e.g. "*fs.PathError"),
	// or "panic" for a recovered panic.
	Type string `msgpack:"type"`

	// Message is the original error's Error() text.
	Message string `msgpack:"message"`

	// Stack is the goroutine stack captured for panics; empty otherwise.
	Stack string `msgpack:"stack,omitempty"`

	// Cause is the next error in the Unwrap chain, if any.
	Cause *RemoteError `msgpack:"cause,omitempty"`
}

// maxCauseDepth bounds how much of an Unwrap chain is captured.
const maxCauseDepth = 16

// captureError converts err into a RemoteError, following single-error Unwrap chains.
func captureError(err error) *RemoteError {
	return captureDepth(err, 0)
}

func captureDepth(err error, depth int) *RemoteError {
	if err == nil {
		return nil
	}
	re := &RemoteError{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	if depth < maxCauseDepth {
		re.Cause = captureDepth(errors.Unwrap(err), depth+1)
	}
	return re
}

// capturePanic converts a recovered panic value into a RemoteError with a stack.
func capturePanic(v any) *RemoteError {
	re := &RemoteError{
		Type:    "panic",
		Message: fmt.Sprint(v),
		Stack:   string(debug.Stack()),
	}
	if err, ok := v.(error); ok {
		re.Cause = captureError(err)
	}
	return re
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the captured cause so errors.As can walk the remote chain.
func (e *RemoteError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Detail formats the error with its stack and every cause, for logs.
func (e *RemoteError) Detail() string {
	var sb strings.Builder
	for cur := e; cur != nil; cur = cur.Cause {
		if cur != e {
			sb.WriteString("\nCaused by: ")
		}
		sb.WriteString(cur.Error())
		if cur.Stack != "" {
			sb.WriteString("\n")
			sb.WriteString(cur.Stack)
		}
	}
	return sb.String()
}
