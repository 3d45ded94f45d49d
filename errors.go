package parinvoke

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by PersistedModel.Get and PersistedModel.Close when the
	// handle has already been closed.
	ErrClosed = errors.New("parinvoke: persisted model is closed")

	// ErrInvokerClosed is returned by Map after Shutdown.
	ErrInvokerClosed = errors.New("parinvoke: invoker is shut down")

	// ErrPoolBroken is returned by Map once a pool worker has died.
	ErrPoolBroken = errors.New("parinvoke: worker pool is broken")

	// ErrNoResult marks a subprocess that exited cleanly without reporting a result.
	ErrNoResult = errors.New("parinvoke: subprocess exited without a result")

	// ErrUnknownFunc is returned when a worker is asked to run a name that was never registered.
	ErrUnknownFunc = errors.New("parinvoke: unknown function")

	// ErrContextClosed is returned when an operation is routed through a closed Context.
	ErrContextClosed = errors.New("parinvoke: context is not open")
)

// PersistenceError reports that a backend could not create or attach storage.
type PersistenceError struct {
	Method Method
	Op     string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("parinvoke: %s persistence %s: %v", e.Method, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TaskError wraps an error returned (or a panic raised) by a task function.
// Err is the original error for in-process execution and a *RemoteError when the
// function ran in another process.
type TaskError struct {
	// Func is the registered name of the failing function.
	Func string

	// Index is the position of the failing argument in the Map input, or -1 for RunSP.
	Index int

	// Worker names the process that ran the task; empty for in-process execution.
	Worker string

	Err error
}

func (e *TaskError) Error() string {
	where := "in-process"
	if e.Worker != "" {
		where = "in " + e.Worker
	}
	if e.Index >= 0 {
		return fmt.Sprintf("parinvoke: task %d of %s failed %s: %v", e.Index, e.Func, where, e.Err)
	}
	return fmt.Sprintf("parinvoke: %s failed %s: %v", e.Func, where, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// CrashError reports a worker process that died or exited with a non-zero code.
// It is always fatal; nothing is retried.
type CrashError struct {
	Worker string

	// Code is the exit code, or the negated signal number if the process was killed.
	Code int

	// Err carries extra detail (for example ErrNoResult); may be nil.
	Err error
}

func (e *CrashError) Error() string {
	msg := fmt.Sprintf("parinvoke: subprocess failed with code %d", e.Code)
	if e.Worker != "" {
		msg += " (" + e.Worker + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CrashError) Unwrap() error { return e.Err }

// ConfigError reports a malformed environment override.
type ConfigError struct {
	Var string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("parinvoke: invalid %s: %v", e.Var, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
