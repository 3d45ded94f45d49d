package parinvoke

import (
	"bytes"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// shmStore keeps a model in a single shared-memory segment: buffers first, each
// 64-byte aligned, then the msgpack header.
type shmStore struct {
	desc Descriptor

	mu  sync.Mutex
	mem *SharedMemory
}

func createShmStore(header []byte, bufs [][]float64) (*shmStore, error) {
	desc := Descriptor{
		Method:  MethodSharedMemory,
		Segment: "pi-" + uuid.NewString(),
		Buffers: make([]span, len(bufs)),
	}
	var off int64
	for i, b := range bufs {
		desc.Buffers[i] = span{Offset: off, Length: int64(len(b)) * 8, Elems: int64(len(b))}
		off = alignUp(off + int64(len(b))*8)
	}
	desc.Header = span{Offset: off, Length: int64(len(header))}
	desc.Size = max(off+int64(len(header)), 1)

	mem, err := CreateSharedMemory(desc.Segment, int(desc.Size))
	if err != nil {
		if errors.Is(err, ErrSharedMemoryNotAvailable) {
			return nil, err
		}
		return nil, &PersistenceError{Method: MethodSharedMemory, Op: "create", Err: err}
	}

	raw := mem.Bytes()
	for i, b := range bufs {
		copy(raw[desc.Buffers[i].Offset:], float64Bytes(b))
	}
	copy(raw[desc.Header.Offset:], header)
	return &shmStore{desc: desc, mem: mem}, nil
}

func (s *shmStore) descriptor() Descriptor { return s.desc }

// load attaches on first use and returns views of the segment.
func (s *shmStore) load() ([]byte, [][]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mem == nil {
		mem, err := OpenSharedMemory(s.desc.Segment)
		if err != nil {
			return nil, nil, &PersistenceError{Method: MethodSharedMemory, Op: "attach " + s.desc.Segment, Err: err}
		}
		s.mem = mem
	}

	hdr, err := GetTypedSlice[byte](s.mem, int(s.desc.Header.Offset), int(s.desc.Header.Length))
	if err != nil {
		return nil, nil, &PersistenceError{Method: MethodSharedMemory, Op: "read header", Err: err}
	}
	bufs := make([][]float64, len(s.desc.Buffers))
	for i, sp := range s.desc.Buffers {
		view, err := GetTypedSlice[float64](s.mem, int(sp.Offset), int(sp.Elems))
		if err != nil {
			return nil, nil, &PersistenceError{Method: MethodSharedMemory, Op: "read buffer", Err: err}
		}
		bufs[i] = view
	}
	return bytes.Clone(hdr), bufs, nil
}

func (s *shmStore) release(owner bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.mem != nil {
		err = s.mem.Close()
		s.mem = nil
	}
	if owner {
		name := s.desc.Segment
		if uerr := unlinkSegment(name); uerr != nil && err == nil {
			err = uerr
		}
	}
	if err != nil {
		return &PersistenceError{Method: MethodSharedMemory, Op: "release " + s.desc.Segment, Err: err}
	}
	return nil
}
