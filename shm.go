package parinvoke

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"unsafe"
)

// ErrSharedMemoryNotAvailable is returned when the platform has no usable
// shared-memory filesystem.
var ErrSharedMemoryNotAvailable = errors.New("parinvoke: shared memory is not available on this platform")

// newSegment creates and maps a segment; tests replace it to simulate a
// platform without shared memory.
var newSegment = createSegment

// SharedMemory is a named segment mapped into this process. The creator maps it
// read-write; processes that open it by name map it read-only.
//
// A segment outlives every mapping of it until Unlink is called.
type SharedMemory struct {
	// Name identifies the segment across processes.
	Name string

	mu       sync.Mutex
	mem      []byte
	readOnly bool
}

// CreateSharedMemory creates and maps a new segment of size bytes. It fails if
// a segment with the same name exists.
func CreateSharedMemory(name string, size int) (*SharedMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("parinvoke: invalid shared memory size %d", size)
	}
	mem, err := newSegment(name, size)
	if err != nil {
		return nil, err
	}
	return &SharedMemory{Name: name, mem: mem}, nil
}

// OpenSharedMemory maps an existing segment read-only.
func OpenSharedMemory(name string) (*SharedMemory, error) {
	mem, err := openSegment(name)
	if err != nil {
		return nil, err
	}
	return &SharedMemory{Name: name, mem: mem, readOnly: true}, nil
}

// Size returns the mapped size in bytes, or 0 once closed.
func (m *SharedMemory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mem)
}

// Bytes returns the mapping itself. It is invalid after Close.
func (m *SharedMemory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem
}

// ReadAt implements io.ReaderAt.
func (m *SharedMemory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return 0, ErrClosed
	}
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, io.EOF
	}
	n := copy(p, m.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (m *SharedMemory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return 0, ErrClosed
	}
	if m.readOnly {
		return 0, fmt.Errorf("parinvoke: shared memory %s is mapped read-only", m.Name)
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.mem)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.mem[off:], p), nil
}

// Close unmaps the segment from this process. The segment itself survives.
func (m *SharedMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return nil
	}
	err := unmapSegment(m.mem)
	m.mem = nil
	return err
}

// Unlink removes the segment name. Existing mappings stay valid until closed.
func (m *SharedMemory) Unlink() error {
	return unlinkSegment(m.Name)
}

// GetTypedSlice returns a zero-copy view of n elements of type T starting at
// offset. offset must be aligned for T. The view is invalid after Close.
func GetTypedSlice[T any](m *SharedMemory, offset, n int) ([]T, error) {
	mem := m.Bytes()
	size := int(unsafe.Sizeof(*new(T)))
	if offset < 0 || n < 0 || offset+n*size > len(mem) {
		return nil, fmt.Errorf("parinvoke: %d elements at %d exceed segment %s", n, offset, m.Name)
	}
	if n == 0 {
		return []T{}, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&mem[offset])), n), nil
}
