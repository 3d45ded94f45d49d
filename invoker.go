package parinvoke

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Invoker applies a registered op to a shared model for many arguments.
//
// Map returns one result per argument, in argument order, however the work was
// scheduled. Several zipped argument lists are expressed as a slice of structs.
// Shutdown must be called once the invoker is no longer needed; Use does this
// on every return path.
type Invoker[A, R any] interface {
	Map(args []A) ([]R, error)
	Shutdown() error
}

// NewInvoker returns an invoker applying op to model with nJobs processes.
//
// nJobs == 1 runs tasks in the calling goroutine with no persistence. nJobs > 1
// persists model (the invoker owns that copy and closes it on Shutdown) and
// starts a pool of worker processes. nJobs <= 0 takes the process count from
// the configuration.
func NewInvoker[T, A, R any](model T, op *Op[T, A, R], nJobs int, opts ...Option) (Invoker[A, R], error) {
	s := newSettings(opts)
	n, err := resolveJobs(nJobs, s)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return newInProcessInvoker(model, op, s), nil
	}

	pm, err := persistWith(model, s)
	if err != nil {
		return nil, err
	}
	inv, err := newPoolInvoker(pm, true, op, n, s)
	if err != nil {
		return nil, errors.Join(err, pm.Close())
	}
	return inv, nil
}

// NewInvokerFor is NewInvoker for a model that is already persisted. The
// invoker does not take ownership of pm; the caller closes it after Shutdown.
func NewInvokerFor[T, A, R any](pm *PersistedModel[T], op *Op[T, A, R], nJobs int, opts ...Option) (Invoker[A, R], error) {
	s := newSettings(opts)
	n, err := resolveJobs(nJobs, s)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		model, err := pm.Get()
		if err != nil {
			return nil, err
		}
		return newInProcessInvoker(model, op, s), nil
	}
	return newPoolInvoker(pm, false, op, n, s)
}

// Use calls fn with inv and shuts inv down afterwards, also when fn panics.
func Use[A, R any](inv Invoker[A, R], fn func(Invoker[A, R]) error) (err error) {
	defer func() {
		err = errors.Join(err, inv.Shutdown())
	}()
	return fn(inv)
}

func resolveJobs(nJobs int, s *settings) (int, error) {
	if s.context != nil {
		if err := s.context.checkOpen(); err != nil {
			return 0, err
		}
	}
	if nJobs > 0 {
		return nJobs, nil
	}
	return s.config.ProcCount(0)
}

// inProcessInvoker runs every task in the caller's goroutine.
type inProcessInvoker[T, A, R any] struct {
	model   T
	op      *Op[T, A, R]
	logger  *zap.Logger
	metrics *Metrics
	closed  bool
}

func newInProcessInvoker[T, A, R any](model T, op *Op[T, A, R], s *settings) *inProcessInvoker[T, A, R] {
	s.logger.Debug("using in-process invoker", zap.String("op", op.name))
	return &inProcessInvoker[T, A, R]{model: model, op: op, logger: s.logger, metrics: s.metrics}
}

func (inv *inProcessInvoker[T, A, R]) Map(args []A) ([]R, error) {
	if inv.closed {
		return nil, ErrInvokerClosed
	}
	results := make([]R, len(args))
	for i, arg := range args {
		start := time.Now()
		r, err := inv.op.call(inv.model, arg)
		inv.metrics.task(inv.op.name, err == nil, time.Since(start))
		if err != nil {
			return nil, &TaskError{Func: inv.op.name, Index: i, Err: err}
		}
		results[i] = r
	}
	return results, nil
}

func (inv *inProcessInvoker[T, A, R]) Shutdown() error {
	inv.closed = true
	return nil
}
