package parinvoke

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// bootstrapMsg is the first message a worker reads from its control pipe.
type bootstrapMsg struct {
	Name     string        `msgpack:"name"`
	Seed     *SeedSequence `msgpack:"seed"`
	LogLevel int8          `msgpack:"log_level"`

	// Func names the registered Op (pool) or Func (isolate) to run.
	Func string `msgpack:"func"`

	// Model is the encoded PersistedModel handle for pool workers.
	Model msgpack.RawMessage `msgpack:"model,omitempty"`

	// Threads limits the worker's own parallelism; pool workers only.
	Threads int `msgpack:"threads,omitempty"`

	// Arg is the encoded argument of an isolated call.
	Arg msgpack.RawMessage `msgpack:"arg,omitempty"`
}

// readyMsg answers the bootstrap of a pool worker.
type readyMsg struct {
	Err *RemoteError `msgpack:"err,omitempty"`
}

// taskMsg is sent to pool workers; Exit asks the worker to finish.
type taskMsg struct {
	Exit  bool               `msgpack:"exit,omitempty"`
	Index int                `msgpack:"index"`
	Arg   msgpack.RawMessage `msgpack:"arg,omitempty"`
}

// resultMsg carries the outcome of one task or isolated call.
type resultMsg struct {
	Index int                `msgpack:"index"`
	OK    bool               `msgpack:"ok"`
	Value msgpack.RawMessage `msgpack:"value,omitempty"`
	Err   *RemoteError       `msgpack:"err,omitempty"`
}

// failure returns the error carried by an unsuccessful result.
func (m *resultMsg) failure() error {
	if m.Err == nil {
		return ErrNoResult
	}
	return m.Err
}

// Exit codes used by workers that fail before running user code.
const (
	exitBootstrapFailed = 70
	exitProtocolError   = 71
)

// WorkerMain turns the process into a worker when it was started by this
// package, and returns immediately otherwise. Call it first thing in main, and
// in TestMain for tests that create invokers or call RunSP:
//
//	func main() {
//		parinvoke.WorkerMain()
//		...
//	}
//
// In a worker it never returns.
func WorkerMain() {
	mode := os.Getenv(envWorkerMode)
	if mode == "" {
		return
	}
	name := os.Getenv(envWorkerName)
	os.Unsetenv(envWorkerMode)
	os.Unsetenv(envWorkerName)
	os.Exit(serveWorker(mode, name))
}

func serveWorker(mode, name string) int {
	ctlF := workerFile(fdControl, "parinvoke-control")
	resF := workerFile(fdResults, "parinvoke-results")
	logF := workerFile(fdLogs, "parinvoke-logs")
	if ctlF == nil || resF == nil || logF == nil {
		fmt.Fprintf(os.Stderr, "parinvoke: worker %s started without its pipes\n", name)
		return exitProtocolError
	}
	ctl := newChannel(ctlF, nil)
	res := newChannel(nil, resF)
	logs := newChannel(nil, logF)
	defer logs.close()
	defer res.close()

	var boot bootstrapMsg
	if err := ctl.recv(&boot); err != nil {
		fmt.Fprintf(os.Stderr, "parinvoke: worker %s: read bootstrap: %v\n", name, err)
		return exitProtocolError
	}
	if boot.Name == "" {
		boot.Name = name
	}

	switch mode {
	case modePool:
		initializeWorker(boot.Name, true, nil, logs, zapcore.Level(boot.LogLevel))
		return servePool(&boot, ctl, res)
	case modeIsolate:
		initializeWorker(boot.Name, false, boot.Seed, logs, zapcore.Level(boot.LogLevel))
		return serveIsolate(&boot, res)
	}
	fmt.Fprintf(os.Stderr, "parinvoke: unknown worker mode %q\n", mode)
	return exitProtocolError
}

// initializeWorker is phase one of worker entry: identity, crash diagnostics,
// seed and log forwarding. It runs before any registered code is touched.
func initializeWorker(name string, pool bool, seed *SeedSequence, logs *channel, level zapcore.Level) {
	setIdentity(WorkerIdentity{Worker: true, PoolWorker: pool, Name: name, PID: os.Getpid()})
	debug.SetTraceback("all")
	if seed != nil {
		setRootSeed(seed)
	}
	if logs != nil {
		installRelayLogger(logs, name, level)
	}
}

// initializePoolWorker is phase two for pool workers: it derives the worker's
// seed, applies the thread limit and binds the op to the shared model.
func initializePoolWorker(boot *bootstrapMsg) (boundOp, error) {
	root := boot.Seed
	if root == nil {
		root = randomSeedSequence()
	}
	setRootSeed(root.Derive(boot.Name))
	limitThreads(boot.Threads)

	entry, err := lookupOp(boot.Func)
	if err != nil {
		return nil, err
	}
	return entry.bind(boot.Model)
}

// threadEnvVars are the variables numeric libraries consult for the size of
// their internal thread pools.
var threadEnvVars = []string{"GOMAXPROCS", "OMP_NUM_THREADS", "OPENBLAS_NUM_THREADS", "MKL_NUM_THREADS"}

func threadLimitEnv(n int) []string {
	env := make([]string, len(threadEnvVars))
	for i, k := range threadEnvVars {
		env[i] = k + "=" + strconv.Itoa(n)
	}
	return env
}

func limitThreads(n int) {
	if n < 1 {
		n = 1
	}
	runtime.GOMAXPROCS(n)
	for _, k := range threadEnvVars {
		os.Setenv(k, strconv.Itoa(n))
	}
}

func servePool(boot *bootstrapMsg, ctl, res *channel) int {
	logger := zap.L().Named("parinvoke.worker")

	op, err := initializePoolWorker(boot)
	if err != nil {
		logger.Error("worker bootstrap failed", zap.String("op", boot.Func), zap.Error(err))
		res.send(&readyMsg{Err: captureError(err)})
		return exitBootstrapFailed
	}
	defer op.close()
	if err := res.send(&readyMsg{}); err != nil {
		return exitProtocolError
	}
	logger.Debug("worker ready", zap.String("op", boot.Func), zap.Int("threads", runtime.GOMAXPROCS(0)))

	for {
		var task taskMsg
		if err := ctl.recv(&task); err != nil {
			if errors.Is(err, io.EOF) {
				return 0
			}
			logger.Error("reading task", zap.Error(err))
			return exitProtocolError
		}
		if task.Exit {
			return 0
		}

		out := resultMsg{Index: task.Index}
		value, err := op.run(task.Arg)
		if err != nil {
			out.Err = asRemote(err)
		} else {
			out.OK = true
			out.Value = value
		}
		if err := res.send(&out); err != nil {
			logger.Error("sending result", zap.Int("index", task.Index), zap.Error(err))
			return exitProtocolError
		}
	}
}

func serveIsolate(boot *bootstrapMsg, res *channel) int {
	out := resultMsg{Index: -1}
	entry, err := lookupFunc(boot.Func)
	if err == nil {
		out.Value, err = entry.run(boot.Arg)
	}
	if err != nil {
		out.Err = asRemote(err)
	} else {
		out.OK = true
	}
	if err := res.send(&out); err != nil {
		zap.L().Named("parinvoke.worker").Error("sending result", zap.Error(err))
		return exitProtocolError
	}
	return 0
}

// asRemote prepares an error for transmission, keeping already captured ones.
func asRemote(err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) && re.Type == "panic" {
		return re
	}
	return captureError(err)
}
