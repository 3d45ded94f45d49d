//go:build !linux

package parinvoke

// SharedMemoryAvailable reports whether named segments can be created.
func SharedMemoryAvailable() bool { return false }

func createSegment(string, int) ([]byte, error) { return nil, ErrSharedMemoryNotAvailable }

func openSegment(string) ([]byte, error) { return nil, ErrSharedMemoryNotAvailable }

func unmapSegment([]byte) error { return nil }

func unlinkSegment(string) error { return nil }
