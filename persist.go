package parinvoke

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Method identifies a persistence backend.
type Method string

const (
	// MethodDefault lets Persist choose: file-backed when a temp directory
	// override is set, shared memory when available, file-backed otherwise.
	MethodDefault Method = ""

	// MethodFile stores the model in a container file under the temp directory.
	MethodFile Method = "file"

	// MethodSharedMemory stores the model in a named OS shared-memory segment.
	MethodSharedMemory Method = "shm"
)

func (m Method) String() string {
	if m == MethodDefault {
		return "default"
	}
	return string(m)
}

// ParseMethod accepts a backend name as used on command lines and in
// configuration.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return MethodDefault, nil
	case "file", "binpickle":
		return MethodFile, nil
	case "shm", "shared-memory", "shared_memory":
		return MethodSharedMemory, nil
	}
	return MethodDefault, fmt.Errorf("parinvoke: unknown persistence method %q", s)
}

// Compression selects the codec for buffers in file containers.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionZstd Compression = "zstd"
)

// span locates a region of a segment or container.
type span struct {
	Offset int64 `msgpack:"o"`
	Length int64 `msgpack:"l"`
	Elems  int64 `msgpack:"e,omitempty"`
}

// Descriptor locates persisted storage. It is the part of a PersistedModel that
// crosses process boundaries.
type Descriptor struct {
	Method Method `msgpack:"method"`

	// Path is the container file for MethodFile.
	Path string `msgpack:"path,omitempty"`

	// Segment, Size, Header and Buffers describe a MethodSharedMemory segment.
	Segment string `msgpack:"segment,omitempty"`
	Size    int64  `msgpack:"size,omitempty"`
	Header  span   `msgpack:"header"`
	Buffers []span `msgpack:"buffers,omitempty"`
}

// store is the backend side of a persisted model.
type store interface {
	descriptor() Descriptor

	// load returns the model header and buffers. Buffers may alias backend
	// memory that stays valid until release.
	load() ([]byte, [][]float64, error)

	// release destroys the storage when owner is set and detaches otherwise.
	release(owner bool) error
}

func openStore(desc Descriptor) (store, error) {
	switch desc.Method {
	case MethodFile:
		return &fileStore{path: desc.Path}, nil
	case MethodSharedMemory:
		return &shmStore{desc: desc}, nil
	}
	return nil, fmt.Errorf("parinvoke: cannot open storage with method %q", desc.Method)
}

// PersistedModel is a handle to a model stored where other processes can
// reconstruct it. Exactly one handle per storage instance is the owner; only
// the owner's Close destroys the storage. Handles are never cleaned up
// implicitly: every handle must be closed.
//
// A PersistedModel encodes itself with msgpack, so it can be passed as a task
// argument or returned from a function run by RunSP. Decoded copies are
// non-owners unless the handle was marked with Transfer.
type PersistedModel[T any] struct {
	mu          sync.Mutex
	store       store
	owner       bool
	transferred bool
	closed      bool
	release     func()
}

// wireHandle is the msgpack form of a PersistedModel.
type wireHandle struct {
	Desc  Descriptor `msgpack:"desc"`
	Owner bool       `msgpack:"owner"`
}

// Persist stores model for cross-process sharing and returns the owning handle.
func Persist[T any](model T, opts ...Option) (*PersistedModel[T], error) {
	return persistWith(model, newSettings(opts))
}

func persistWith[T any](model T, s *settings) (*PersistedModel[T], error) {
	if s.context != nil {
		if err := s.context.checkOpen(); err != nil {
			return nil, err
		}
	}

	method, dir, err := resolveMethod(s)
	if err != nil {
		return nil, err
	}

	header, bufs, err := splitModel(model)
	if err != nil {
		return nil, &PersistenceError{Method: method, Op: "encode", Err: err}
	}

	var st store
	switch method {
	case MethodSharedMemory:
		st, err = createShmStore(header, bufs)
		if errors.Is(err, ErrSharedMemoryNotAvailable) {
			s.logger.Warn("shared memory unavailable, falling back to file persistence", zap.Error(err))
			method = MethodFile
			st, err = createFileStore(dir, header, bufs, s.compression)
		}
	default:
		method = MethodFile
		st, err = createFileStore(dir, header, bufs, s.compression)
	}
	if err != nil {
		return nil, err
	}

	size := int64(len(header))
	for _, b := range bufs {
		size += int64(len(b)) * 8
	}
	s.metrics.persisted(method, size)
	s.logger.Debug("persisted model",
		zap.Stringer("method", method),
		zap.Int64("bytes", size),
		zap.Int("buffers", len(bufs)))

	pm := &PersistedModel[T]{store: st, owner: true}
	if s.context != nil {
		pm.release = s.context.track(pm)
	}
	return pm, nil
}

// resolveMethod applies backend precedence: explicit choice, then the temp
// directory override (which implies file-backed), then shared memory when
// available, then file-backed.
func resolveMethod(s *settings) (Method, string, error) {
	dir, err := s.config.TempDir()
	if err != nil {
		return MethodDefault, "", err
	}
	switch {
	case s.method != MethodDefault:
		return s.method, dir, nil
	case dir != "":
		return MethodFile, dir, nil
	case SharedMemoryAvailable():
		return MethodSharedMemory, dir, nil
	default:
		return MethodFile, dir, nil
	}
}

// Get reconstructs the model. Each call returns a new value equal to the
// persisted one; with shared memory its buffers are read-only views of the
// segment, valid until this handle is closed.
func (p *PersistedModel[T]) Get() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T
	if p.closed {
		return zero, ErrClosed
	}
	header, bufs, err := p.store.load()
	if err != nil {
		return zero, err
	}
	v, err := joinModel[T](header, bufs)
	if err != nil {
		return zero, &PersistenceError{Method: p.store.descriptor().Method, Op: "decode", Err: err}
	}
	return v, nil
}

// Close releases the handle. The owner destroys the storage; other handles
// only detach from it. Closing an owner twice returns ErrClosed; closing a
// non-owner again is a no-op.
func (p *PersistedModel[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		if p.owner {
			return ErrClosed
		}
		return nil
	}
	p.closed = true
	if p.release != nil {
		p.release()
		p.release = nil
	}
	return p.store.release(p.owner)
}

// closeTracked destroys storage that is still owned when its Context closes.
func (p *PersistedModel[T]) closeTracked() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.owner {
		return nil
	}
	p.closed = true
	p.release = nil
	return p.store.release(true)
}

// IsOwner reports whether closing this handle destroys the storage.
func (p *PersistedModel[T]) IsOwner() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owner
}

// Method reports the backend holding the model.
func (p *PersistedModel[T]) Method() Method {
	return p.store.descriptor().Method
}

// Descriptor returns the transferable locator of the storage.
func (p *PersistedModel[T]) Descriptor() Descriptor {
	return p.store.descriptor()
}

// Transfer marks the handle for handing to another process: the next encoded
// copy becomes the owner and this handle stops owning the storage. It returns
// p for chaining.
func (p *PersistedModel[T]) Transfer() *PersistedModel[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transferred = true
	return p
}

var _ msgpack.CustomEncoder = (*PersistedModel[any])(nil)
var _ msgpack.CustomDecoder = (*PersistedModel[any])(nil)

func (p *PersistedModel[T]) EncodeMsgpack(enc *msgpack.Encoder) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	w := wireHandle{Desc: p.store.descriptor()}
	if p.transferred && p.owner {
		w.Owner = true
		p.owner = false
		p.transferred = false
		if p.release != nil {
			p.release()
			p.release = nil
		}
	}
	return enc.Encode(&w)
}

func (p *PersistedModel[T]) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w wireHandle
	if err := dec.Decode(&w); err != nil {
		return err
	}
	st, err := openStore(w.Desc)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store = st
	p.owner = w.Owner
	return nil
}
