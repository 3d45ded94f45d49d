package parinvoke

import (
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logRecord is a worker log entry on its way to the parent.
type logRecord struct {
	Logger     string         `msgpack:"logger"`
	Level      int8           `msgpack:"level"`
	Time       time.Time      `msgpack:"time"`
	Message    string         `msgpack:"msg"`
	CallerFile string         `msgpack:"file,omitempty"`
	CallerLine int            `msgpack:"line,omitempty"`
	Stack      string         `msgpack:"stack,omitempty"`
	Fields     map[string]any `msgpack:"fields,omitempty"`
	Worker     string         `msgpack:"worker"`
	PID        int            `msgpack:"pid"`
}

// logRelay is the parent-side listener. Every worker's log pipe is pumped by
// its own goroutine; records are re-emitted one at a time through the global
// logger, so the parent's configuration decides what is kept.
type logRelay struct {
	mu sync.Mutex
}

var (
	relayOnce     sync.Once
	relayInstance *logRelay
)

// relay returns the process-wide listener, creating it on first use.
func relay() *logRelay {
	relayOnce.Do(func() {
		relayInstance = &logRelay{}
	})
	return relayInstance
}

// attach starts pumping records from a worker's log pipe. The returned channel
// closes once the pipe reaches EOF and every record has been dispatched.
func (r *logRelay) attach(worker string, pipe *os.File) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := newChannel(pipe, nil)
		defer ch.close()
		for {
			var rec logRecord
			err := ch.recv(&rec)
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
				return
			}
			if err != nil {
				zap.L().Named("parinvoke").Warn("dropping malformed worker log record",
					zap.String("worker", worker), zap.Error(err))
				continue
			}
			if rec.Worker == "" {
				rec.Worker = worker
			}
			r.dispatch(rec)
		}
	}()
	return done
}

// dispatch re-emits rec through the parent's global logger and reports whether
// the parent's level settings let it through.
func (r *logRelay) dispatch(rec logRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := zap.L()
	if rec.Logger != "" {
		logger = logger.Named(rec.Logger)
	}
	ce := logger.Check(zapcore.Level(rec.Level), rec.Message)
	if ce == nil {
		return false
	}
	if !rec.Time.IsZero() {
		ce.Time = rec.Time
	}
	if rec.CallerFile != "" {
		ce.Caller = zapcore.EntryCaller{Defined: true, File: rec.CallerFile, Line: rec.CallerLine}
	}
	if rec.Stack != "" {
		ce.Stack = rec.Stack
	}

	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys)+2)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, rec.Fields[k]))
	}
	fields = append(fields, zap.String("worker", rec.Worker), zap.Int("pid", rec.PID))
	ce.Write(fields...)
	return true
}

// relayCore is the worker-side zapcore.Core that ships entries to the parent.
type relayCore struct {
	zapcore.LevelEnabler
	out    *channel
	worker string
	fields []zapcore.Field
}

func newRelayCore(out *channel, worker string, level zapcore.LevelEnabler) *relayCore {
	return &relayCore{LevelEnabler: level, out: out, worker: worker}
}

func (c *relayCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *relayCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *relayCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	rec := logRecord{
		Logger:  ent.LoggerName,
		Level:   int8(ent.Level),
		Time:    ent.Time,
		Message: ent.Message,
		Stack:   ent.Stack,
		Worker:  c.worker,
		PID:     os.Getpid(),
	}
	if len(enc.Fields) > 0 {
		rec.Fields = enc.Fields
	}
	if ent.Caller.Defined {
		rec.CallerFile = ent.Caller.File
		rec.CallerLine = ent.Caller.Line
	}
	return c.out.send(&rec)
}

func (c *relayCore) Sync() error { return nil }

// installRelayLogger makes the global logger forward to the parent.
func installRelayLogger(out *channel, worker string, level zapcore.Level) *zap.Logger {
	logger := zap.New(newRelayCore(out, worker, level), zap.AddCaller())
	zap.ReplaceGlobals(logger)
	return logger
}
