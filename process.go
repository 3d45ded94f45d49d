package parinvoke

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Environment markers that turn a re-executed binary into a worker.
const (
	envWorkerMode = "PARINVOKE_WORKER_MODE"
	envWorkerName = "PARINVOKE_WORKER_NAME"
)

const (
	modePool    = "pool"
	modeIsolate = "isolate"
)

// Descriptor numbers of the worker pipes as seen by the child. Extra files
// start after stdin, stdout and stderr.
const (
	fdControl = 3 + iota
	fdResults
	fdLogs
)

// terminateGrace is how long Terminate waits after the polite signal.
const terminateGrace = 5 * time.Second

// workerProcess is a running worker subprocess and the parent's ends of its
// pipes.
type workerProcess struct {
	Name string
	Cmd  *exec.Cmd

	// ctl carries bootstrap and task messages to the child; res carries replies back.
	ctl *channel
	res *channel

	// logsDone closes once every log record from the worker has been dispatched.
	logsDone <-chan struct{}

	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

type spawnSpec struct {
	Mode       string
	Name       string
	Executable string

	// Env is appended to the parent's environment.
	Env []string
}

// spawnWorker starts the worker binary with its control, result and log pipes.
// The log pipe is handed to the relay listener.
func spawnWorker(spec spawnSpec, logger *zap.Logger) (*workerProcess, error) {
	exe := spec.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("parinvoke: locate worker executable: %w", err)
		}
	}

	ctlR, ctlW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	resR, resW, err := os.Pipe()
	if err != nil {
		closeAll(ctlR, ctlW)
		return nil, err
	}
	logR, logW, err := os.Pipe()
	if err != nil {
		closeAll(ctlR, ctlW, resR, resW)
		return nil, err
	}

	cmd := exec.Command(exe)
	if err := setExtraFiles(cmd, []*os.File{ctlR, resW, logW}); err != nil {
		closeAll(ctlR, ctlW, resR, resW, logR, logW)
		return nil, err
	}
	configureSysProc(cmd)
	cmd.Env = append(os.Environ(), envWorkerMode+"="+spec.Mode, envWorkerName+"="+spec.Name)
	cmd.Env = append(cmd.Env, spec.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := startDetached(cmd); err != nil {
		closeAll(ctlR, ctlW, resR, resW, logR, logW)
		return nil, fmt.Errorf("parinvoke: start worker %s: %w", spec.Name, err)
	}

	// The child holds its own copies now; keeping ours open would hide EOF.
	closeAll(ctlR, resW, logW)

	logsDone := relay().attach(spec.Name, logR)
	logger.Debug("started worker",
		zap.String("worker", spec.Name),
		zap.String("mode", spec.Mode),
		zap.Int("pid", cmd.Process.Pid))

	return &workerProcess{
		Name:     spec.Name,
		Cmd:      cmd,
		ctl:      newChannel(nil, ctlW),
		res:      newChannel(resR, nil),
		logsDone: logsDone,
		exited:   make(chan struct{}),
	}, nil
}

// startDetached starts cmd from a fresh goroutine. A fresh goroutine is never
// locked to an OS thread, so the thread that forks the child is not retired
// when a caller's locked goroutine exits (see configureSysProc).
func startDetached(cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Start() }()
	return <-done
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// wait reaps the process once and returns its exit code. It also waits for
// the worker's remaining log records, so they are emitted before the caller
// reports on the outcome.
func (wp *workerProcess) wait() (int, error) {
	wp.waitOnce.Do(func() {
		wp.waitErr = wp.Cmd.Wait()
		<-wp.logsDone
		close(wp.exited)
	})
	return exitCode(wp.waitErr)
}

// Terminate stops the worker with SIGTERM, escalating to SIGKILL if it is still
// running after the grace period.
func (wp *workerProcess) Terminate() error {
	if wp.Cmd.Process == nil {
		return nil
	}
	select {
	case <-wp.exited:
		return nil
	default:
	}

	if err := signalTerminate(wp.Cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	go wp.wait()

	select {
	case <-wp.exited:
	case <-time.After(terminateGrace):
		if err := wp.Cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		<-wp.exited
	}
	return nil
}

// close releases the parent's pipe ends.
func (wp *workerProcess) close() {
	wp.ctl.close()
	wp.res.close()
}

// exitCode maps a Wait error to a process exit code. A process killed by a
// signal reports the negated signal number.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitStatus(exitErr), nil
	}
	return -1, err
}
