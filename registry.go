package parinvoke

import (
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Op is a registered function applied to a shared model. Ops must be
// registered at package initialization, in package-level variables, so that a
// worker executing the same binary finds them under the same name.
//
//	var MatVec = parinvoke.RegisterOp("matvec",
//		func(m *mat.Dense, v []float64) ([]float64, error) { ... })
type Op[T, A, R any] struct {
	name string
	fn   func(model T, arg A) (R, error)
}

// Func is a registered function run in an isolated subprocess by RunSP.
type Func[A, R any] struct {
	name string
	fn   func(arg A) (R, error)
}

// Name returns the name the op was registered under.
func (o *Op[T, A, R]) Name() string { return o.name }

// Name returns the name the function was registered under.
func (f *Func[A, R]) Name() string { return f.name }

// call runs the op in this process, turning a panic into an error.
func (o *Op[T, A, R]) call(model T, arg A) (r R, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = capturePanic(v)
		}
	}()
	return o.fn(model, arg)
}

func (f *Func[A, R]) call(arg A) (r R, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = capturePanic(v)
		}
	}()
	return f.fn(arg)
}

// boundOp runs encoded tasks against a model inside a pool worker.
type boundOp interface {
	// run decodes one argument, applies the op and encodes the result.
	run(arg []byte) ([]byte, error)
	close() error
}

// opEntry is the type-erased form of an Op used by workers.
type opEntry interface {
	bind(model []byte) (boundOp, error)
}

// funcEntry is the type-erased form of a Func used by workers.
type funcEntry interface {
	run(arg []byte) ([]byte, error)
}

var registry = struct {
	sync.RWMutex
	ops   map[string]opEntry
	funcs map[string]funcEntry
}{
	ops:   make(map[string]opEntry),
	funcs: make(map[string]funcEntry),
}

// RegisterOp registers fn under name. It panics if the name is taken.
func RegisterOp[T, A, R any](name string, fn func(model T, arg A) (R, error)) *Op[T, A, R] {
	op := &Op[T, A, R]{name: name, fn: fn}
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.ops[name]; dup {
		panic(fmt.Sprintf("parinvoke: op %q registered twice", name))
	}
	registry.ops[name] = op
	return op
}

// RegisterFunc registers fn under name. It panics if the name is taken.
func RegisterFunc[A, R any](name string, fn func(arg A) (R, error)) *Func[A, R] {
	f := &Func[A, R]{name: name, fn: fn}
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.funcs[name]; dup {
		panic(fmt.Sprintf("parinvoke: function %q registered twice", name))
	}
	registry.funcs[name] = f
	return f
}

func lookupOp(name string) (opEntry, error) {
	registry.RLock()
	defer registry.RUnlock()
	if op, ok := registry.ops[name]; ok {
		return op, nil
	}
	return nil, fmt.Errorf("%w: op %q", ErrUnknownFunc, name)
}

func lookupFunc(name string) (funcEntry, error) {
	registry.RLock()
	defer registry.RUnlock()
	if f, ok := registry.funcs[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: function %q", ErrUnknownFunc, name)
}

// bind decodes the worker's model handle. The model itself is reconstructed on
// the first task and reused for the rest.
func (o *Op[T, A, R]) bind(model []byte) (boundOp, error) {
	pm := new(PersistedModel[T])
	if err := msgpack.Unmarshal(model, pm); err != nil {
		return nil, fmt.Errorf("decode model handle: %w", err)
	}
	return &workerOp[T, A, R]{op: o, handle: pm}, nil
}

type workerOp[T, A, R any] struct {
	op     *Op[T, A, R]
	handle *PersistedModel[T]

	once  sync.Once
	model T
	err   error
}

func (w *workerOp[T, A, R]) run(data []byte) ([]byte, error) {
	w.once.Do(func() { w.model, w.err = w.handle.Get() })
	if w.err != nil {
		return nil, w.err
	}
	var arg A
	if err := msgpack.Unmarshal(data, &arg); err != nil {
		return nil, fmt.Errorf("decode argument: %w", err)
	}
	r, err := w.op.call(w.model, arg)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(r)
}

func (w *workerOp[T, A, R]) close() error {
	return w.handle.Close()
}

func (f *Func[A, R]) run(data []byte) ([]byte, error) {
	var arg A
	if err := msgpack.Unmarshal(data, &arg); err != nil {
		return nil, fmt.Errorf("decode argument: %w", err)
	}
	r, err := f.call(arg)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(r)
}
