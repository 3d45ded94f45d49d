//go:build linux

package parinvoke

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const shmDir = "/dev/shm"

// SharedMemoryAvailable reports whether named segments can be created.
func SharedMemoryAvailable() bool {
	st, err := os.Stat(shmDir)
	if err != nil || !st.IsDir() {
		return false
	}
	return unix.Access(shmDir, unix.W_OK) == nil
}

func segmentPath(name string) string {
	return filepath.Join(shmDir, filepath.Base(name))
}

func createSegment(name string, size int) ([]byte, error) {
	if !SharedMemoryAvailable() {
		return nil, ErrSharedMemoryNotAvailable
	}
	path := segmentPath(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("parinvoke: create segment %s: %w", name, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("parinvoke: resize segment %s: %w", name, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("parinvoke: map segment %s: %w", name, err)
	}
	return mem, nil
}

func openSegment(name string) ([]byte, error) {
	f, err := os.Open(segmentPath(name))
	if err != nil {
		return nil, fmt.Errorf("parinvoke: open segment %s: %w", name, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("parinvoke: segment %s is empty", name)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("parinvoke: map segment %s: %w", name, err)
	}
	return mem, nil
}

func unmapSegment(mem []byte) error {
	return unix.Munmap(mem)
}

func unlinkSegment(name string) error {
	err := os.Remove(segmentPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
