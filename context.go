package parinvoke

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Extension adds setup and teardown steps to a Context. The Context always
// runs its own setup before the extensions' and its own teardown after them,
// so an extension cannot skip the base lifecycle.
type Extension interface {
	Setup(c *Context) error
	Teardown(c *Context) error
}

type contextState int

const (
	contextNew contextState = iota
	contextOpen
	contextClosed
)

// tracked is a resource a Context releases when it closes.
type tracked interface {
	closeTracked() error
}

// Context holds the configuration and backend choice shared by a group of
// Persist, NewInvoker and RunSP calls routed through it with WithContext.
// It must be opened before use and closed afterwards; Close releases any
// storage and invokers created through it that are still alive.
type Context struct {
	Config  *ParallelConfig
	Method  Method
	Logger  *zap.Logger
	Metrics *Metrics

	mu         sync.Mutex
	state      contextState
	extensions []Extension
	started    []Extension
	resources  map[uint64]tracked
	nextID     uint64
}

// NewContext returns an unopened Context. Only WithMethod, WithLogger and
// WithMetrics among opts have an effect.
func NewContext(cfg *ParallelConfig, opts ...Option) *Context {
	s := newSettings(append([]Option{WithConfig(cfg)}, opts...))
	return &Context{
		Config:    s.config,
		Method:    s.method,
		Logger:    s.logger,
		Metrics:   s.metrics,
		resources: make(map[uint64]tracked),
	}
}

// DefaultContext returns an unopened Context on the default configuration with
// the backend fixed up front: file-backed when PARINVOKE_TEMP_DIR is set,
// shared memory when available, file-backed otherwise. Direct persistence and
// pool invokers created through it therefore agree on the backend.
func DefaultContext() (*Context, error) {
	cfg := DefaultConfig()
	dir, err := cfg.TempDir()
	if err != nil {
		return nil, err
	}
	method := MethodFile
	if dir == "" && SharedMemoryAvailable() {
		method = MethodSharedMemory
	}
	return NewContext(cfg, WithMethod(method)), nil
}

// Extend registers ext. Extensions must be added before Open.
func (c *Context) Extend(ext Extension) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != contextNew {
		return fmt.Errorf("parinvoke: cannot extend a context that was already opened")
	}
	c.extensions = append(c.extensions, ext)
	return nil
}

// Open validates the configuration and runs extension setup. If an extension
// fails, the ones already set up are torn down and the Context stays unusable.
func (c *Context) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != contextNew {
		return fmt.Errorf("parinvoke: context opened twice")
	}

	if _, err := c.Config.ProcCount(0); err != nil {
		c.state = contextClosed
		return err
	}
	for _, ext := range c.extensions {
		if err := ext.Setup(c); err != nil {
			c.state = contextClosed
			return errors.Join(fmt.Errorf("parinvoke: context setup: %w", err), c.teardownLocked())
		}
		c.started = append(c.started, ext)
	}
	c.state = contextOpen
	c.Logger.Debug("context opened", zap.Stringer("method", c.Method), zap.Int("extensions", len(c.extensions)))
	return nil
}

func (c *Context) teardownLocked() error {
	var errs []error
	for _, ext := range slices.Backward(c.started) {
		if err := ext.Teardown(c); err != nil {
			errs = append(errs, fmt.Errorf("parinvoke: context teardown: %w", err))
		}
	}
	c.started = nil
	return errors.Join(errs...)
}

// Close releases everything still tracked, newest first, then runs extension
// teardown in reverse order. Closing a Context that is not open does nothing.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.state != contextOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = contextClosed
	ids := make([]uint64, 0, len(c.resources))
	for id := range c.resources {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	pending := make([]tracked, 0, len(ids))
	for _, id := range slices.Backward(ids) {
		pending = append(pending, c.resources[id])
	}
	c.mu.Unlock()

	// Resources untrack themselves while closing, which takes c.mu.
	var errs []error
	for _, r := range pending {
		if err := r.closeTracked(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(pending) > 0 {
		c.Logger.Debug("context released resources", zap.Int("count", len(pending)))
	}

	c.mu.Lock()
	errs = append(errs, c.teardownLocked())
	clear(c.resources)
	c.mu.Unlock()
	return errors.Join(errs...)
}

// Scoped opens c, calls fn and closes c on every return path.
func Scoped(c *Context, fn func(*Context) error) (err error) {
	if err := c.Open(); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, c.Close())
	}()
	return fn(c)
}

func (c *Context) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != contextOpen {
		return ErrContextClosed
	}
	return nil
}

// track registers r for release at Close and returns the function that
// unregisters it.
func (c *Context) track(r tracked) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.resources[id] = r
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.resources, id)
	}
}
