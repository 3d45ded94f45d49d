package parinvoke

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var poolCounter atomic.Int64

// poolInvoker runs tasks on a pool of worker processes sharing one persisted
// model. Each worker is driven by its own goroutine pulling from a shared
// queue, so a slow task never holds up the other workers.
type poolInvoker[T, A, R any] struct {
	name      string
	op        *Op[T, A, R]
	model     *PersistedModel[T]
	ownsModel bool
	workers   []*poolWorker
	logger    *zap.Logger
	metrics   *Metrics
	untrack   func()

	// mu serializes Map calls and Shutdown, so shutting down waits for
	// in-flight tasks.
	mu     sync.Mutex
	closed bool
	broken error

	shutdownOnce sync.Once
	shutdownErr  error
}

type poolWorker struct {
	proc *workerProcess
	dead bool
}

type poolJob struct {
	index int
	arg   []byte
}

func newPoolInvoker[T, A, R any](pm *PersistedModel[T], owns bool, op *Op[T, A, R], n int, s *settings) (*poolInvoker[T, A, R], error) {
	threads, err := s.config.ProcCount(1)
	if err != nil {
		return nil, err
	}
	level, err := s.config.workerLogLevel()
	if err != nil {
		return nil, err
	}
	model, err := msgpack.Marshal(pm)
	if err != nil {
		return nil, fmt.Errorf("parinvoke: encode model handle: %w", err)
	}

	inv := &poolInvoker[T, A, R]{
		name:      fmt.Sprintf("pool-%d", poolCounter.Add(1)),
		op:        op,
		model:     pm,
		ownsModel: owns,
		workers:   make([]*poolWorker, n),
		logger:    s.logger,
		metrics:   s.metrics,
	}
	inv.logger = inv.logger.With(zap.String("pool", inv.name), zap.String("op", op.name))

	boot := bootstrapMsg{
		Seed:     RootSeed(),
		LogLevel: int8(level),
		Func:     op.name,
		Model:    model,
		Threads:  threads,
	}

	var g errgroup.Group
	for i := range inv.workers {
		g.Go(func() error {
			name := fmt.Sprintf("%s/worker-%d", inv.name, i)
			proc, err := spawnWorker(spawnSpec{
				Mode:       modePool,
				Name:       name,
				Executable: s.config.WorkerExecutable,
				Env:        threadLimitEnv(threads),
			}, inv.logger)
			if err != nil {
				return err
			}
			inv.metrics.workerStarted()
			inv.workers[i] = &poolWorker{proc: proc}

			wb := boot
			wb.Name = name
			return inv.awaitReady(inv.workers[i], &wb)
		})
	}
	if err := g.Wait(); err != nil {
		inv.abort()
		return nil, err
	}

	inv.logger.Info("worker pool started", zap.Int("workers", n), zap.Int("threads", threads))
	if s.context != nil {
		inv.untrack = s.context.track(inv)
	}
	return inv, nil
}

// awaitReady sends the bootstrap message and waits for the worker to bind.
func (inv *poolInvoker[T, A, R]) awaitReady(w *poolWorker, boot *bootstrapMsg) error {
	if err := w.proc.ctl.send(boot); err != nil {
		return inv.crashed(w, err)
	}
	var ready readyMsg
	if err := w.proc.res.recv(&ready); err != nil {
		return inv.crashed(w, err)
	}
	if ready.Err != nil {
		return fmt.Errorf("parinvoke: worker %s failed to start: %w", w.proc.Name, ready.Err)
	}
	return nil
}

// crashed reaps a worker that stopped talking and describes how it died.
func (inv *poolInvoker[T, A, R]) crashed(w *poolWorker, cause error) error {
	code, err := w.proc.wait()
	w.dead = true
	inv.metrics.workerStopped(true)
	if err != nil {
		return fmt.Errorf("parinvoke: worker %s: %w", w.proc.Name, err)
	}
	crash := &CrashError{Worker: w.proc.Name, Code: code}
	if code == 0 {
		crash.Err = ErrNoResult
	} else if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, io.ErrUnexpectedEOF) {
		crash.Err = cause
	}
	inv.logger.Error("worker died", zap.String("worker", w.proc.Name), zap.Int("code", code))
	return crash
}

// abort tears down a partially started pool.
func (inv *poolInvoker[T, A, R]) abort() {
	for _, w := range inv.workers {
		if w == nil {
			continue
		}
		if !w.dead {
			w.proc.ctl.close()
			if err := w.proc.Terminate(); err != nil {
				inv.logger.Warn("terminating worker", zap.String("worker", w.proc.Name), zap.Error(err))
			}
			inv.metrics.workerStopped(false)
		}
		w.proc.close()
	}
}

func (inv *poolInvoker[T, A, R]) Map(args []A) ([]R, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.closed {
		return nil, ErrInvokerClosed
	}
	if inv.broken != nil {
		return nil, fmt.Errorf("%w: %w", ErrPoolBroken, inv.broken)
	}

	jobs := make(chan poolJob, len(args))
	for i, arg := range args {
		data, err := msgpack.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("parinvoke: encode argument %d: %w", i, err)
		}
		jobs <- poolJob{index: i, arg: data}
	}
	close(jobs)

	results := make([]R, len(args))
	taskErrs := make([]error, len(args))

	g, ctx := errgroup.WithContext(context.Background())
	for _, w := range inv.workers {
		g.Go(func() error {
			return inv.drain(ctx, w, jobs, results, taskErrs)
		})
	}
	if err := g.Wait(); err != nil {
		inv.broken = err
		return nil, err
	}

	for _, err := range taskErrs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// drain runs jobs on one worker until the queue is empty. Task failures are
// recorded by index; only a dead worker stops the loop.
func (inv *poolInvoker[T, A, R]) drain(ctx context.Context, w *poolWorker, jobs <-chan poolJob, results []R, taskErrs []error) error {
	for job := range jobs {
		if ctx.Err() != nil {
			return nil
		}
		start := time.Now()
		if err := w.proc.ctl.send(&taskMsg{Index: job.index, Arg: job.arg}); err != nil {
			return inv.crashed(w, err)
		}
		var out resultMsg
		if err := w.proc.res.recv(&out); err != nil {
			return inv.crashed(w, err)
		}
		if out.Index != job.index {
			return fmt.Errorf("parinvoke: worker %s answered task %d with result %d", w.proc.Name, job.index, out.Index)
		}

		if !out.OK {
			inv.metrics.task(inv.op.name, false, time.Since(start))
			taskErrs[job.index] = &TaskError{Func: inv.op.name, Index: job.index, Worker: w.proc.Name, Err: out.failure()}
			continue
		}
		if err := msgpack.Unmarshal(out.Value, &results[job.index]); err != nil {
			taskErrs[job.index] = &TaskError{
				Func:   inv.op.name,
				Index:  job.index,
				Worker: w.proc.Name,
				Err:    fmt.Errorf("decode result: %w", err),
			}
		}
		inv.metrics.task(inv.op.name, taskErrs[job.index] == nil, time.Since(start))
	}
	return nil
}

// Shutdown lets in-flight tasks finish, stops the workers and closes the model
// if the invoker persisted it. Later calls return the first call's result.
func (inv *poolInvoker[T, A, R]) Shutdown() error {
	inv.shutdownOnce.Do(func() {
		inv.shutdownErr = inv.shutdown()
	})
	return inv.shutdownErr
}

func (inv *poolInvoker[T, A, R]) shutdown() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.closed = true

	var errs []error
	for _, w := range inv.workers {
		if w.dead {
			w.proc.close()
			continue
		}
		if err := w.proc.ctl.send(&taskMsg{Exit: true}); err != nil {
			inv.logger.Warn("sending exit", zap.String("worker", w.proc.Name), zap.Error(err))
		}
		w.proc.ctl.close()
	}
	for _, w := range inv.workers {
		if w.dead {
			continue
		}
		code, err := w.proc.wait()
		w.proc.close()
		w.dead = true
		inv.metrics.workerStopped(code != 0)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("parinvoke: worker %s: %w", w.proc.Name, err))
		case code != 0:
			errs = append(errs, &CrashError{Worker: w.proc.Name, Code: code})
		}
	}

	if inv.untrack != nil {
		inv.untrack()
	}
	if inv.ownsModel {
		errs = append(errs, inv.model.Close())
	}
	inv.logger.Info("worker pool stopped")
	return errors.Join(errs...)
}

func (inv *poolInvoker[T, A, R]) closeTracked() error {
	return inv.Shutdown()
}
