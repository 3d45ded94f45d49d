package parinvoke

import (
	"os"
	"sync/atomic"
)

// WorkerIdentity describes the role of the current process. It is fixed once
// at process entry and never changes afterwards.
type WorkerIdentity struct {
	// Worker is true in any process started by this package.
	Worker bool

	// PoolWorker is true only in pool workers; isolation workers and the
	// parent leave it false.
	PoolWorker bool

	// Name is the worker's name as assigned by the parent, e.g. "pool-1/worker-3".
	Name string

	PID int
}

var identity atomic.Pointer[WorkerIdentity]

// CurrentWorker returns the identity of this process. A process that never went
// through worker bootstrap is the parent.
func CurrentWorker() WorkerIdentity {
	if id := identity.Load(); id != nil {
		return *id
	}
	return WorkerIdentity{PID: os.Getpid()}
}

// IsWorker reports whether this process is a worker of either kind.
func IsWorker() bool { return CurrentWorker().Worker }

// IsPoolWorker reports whether this process is a pool worker.
func IsPoolWorker() bool { return CurrentWorker().PoolWorker }

// setIdentity records the worker identity. A second call panics: identity is
// decided exactly once per process.
func setIdentity(id WorkerIdentity) {
	if !identity.CompareAndSwap(nil, &id) {
		panic("parinvoke: worker identity already initialized")
	}
}
