package parinvoke

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

var isolateCounter atomic.Int64

// RunSP runs fn(arg) in a fresh worker process and returns its result. It is
// for isolation, not parallelism: the call blocks until the child exits.
//
// The child gets a seed spawned from the root seed and forwards its logs to
// this process. If the child exits with a non-zero code, RunSP returns a
// *CrashError even when a result was already received. An error returned (or
// a panic raised) by fn comes back as a *TaskError wrapping the *RemoteError.
//
// A *PersistedModel inside arg or the result travels as a handle; mark it with
// Transfer to move ownership to the receiving side.
func RunSP[A, R any](fn *Func[A, R], arg A, opts ...Option) (R, error) {
	var zero R
	s := newSettings(opts)
	if s.context != nil {
		if err := s.context.checkOpen(); err != nil {
			return zero, err
		}
	}

	level, err := s.config.workerLogLevel()
	if err != nil {
		return zero, err
	}
	data, err := msgpack.Marshal(arg)
	if err != nil {
		return zero, fmt.Errorf("parinvoke: encode argument: %w", err)
	}

	name := fmt.Sprintf("isolate-%d", isolateCounter.Add(1))
	logger := s.logger.With(zap.String("worker", name), zap.String("func", fn.name))
	start := time.Now()

	proc, err := spawnWorker(spawnSpec{
		Mode:       modeIsolate,
		Name:       name,
		Executable: s.config.WorkerExecutable,
	}, logger)
	if err != nil {
		return zero, err
	}
	s.metrics.workerStarted()
	defer proc.close()

	boot := bootstrapMsg{
		Name:     name,
		Seed:     DeriveSeed(),
		LogLevel: int8(level),
		Func:     fn.name,
		Arg:      data,
	}
	sendErr := proc.ctl.send(&boot)
	proc.ctl.close()

	var out resultMsg
	recvErr := sendErr
	if recvErr == nil {
		recvErr = proc.res.recv(&out)
	}

	code, err := proc.wait()
	s.metrics.workerStopped(code != 0)
	if err != nil {
		return zero, fmt.Errorf("parinvoke: wait for %s: %w", name, err)
	}
	logger.Debug("isolated call finished", zap.Int("code", code), zap.Duration("elapsed", time.Since(start)))

	// A non-zero exit dominates whatever the child reported.
	if code != 0 {
		s.metrics.task(fn.name, false, time.Since(start))
		return zero, &CrashError{Worker: name, Code: code}
	}
	if recvErr != nil {
		s.metrics.task(fn.name, false, time.Since(start))
		return zero, &CrashError{Worker: name, Err: ErrNoResult}
	}
	if !out.OK {
		s.metrics.task(fn.name, false, time.Since(start))
		return zero, &TaskError{Func: fn.name, Index: -1, Worker: name, Err: out.failure()}
	}

	var r R
	if err := msgpack.Unmarshal(out.Value, &r); err != nil {
		s.metrics.task(fn.name, false, time.Since(start))
		return zero, &TaskError{Func: fn.name, Index: -1, Worker: name, Err: fmt.Errorf("decode result: %w", err)}
	}
	s.metrics.task(fn.name, true, time.Since(start))
	return r, nil
}
