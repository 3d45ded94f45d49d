// Package parinvoke runs a function against a large in-memory model from many
// worker processes, without re-sending the model for every task and without
// the caller writing process-management code.
//
// It targets CPU-bound numeric work (applying a trained model or a matrix to
// many inputs) where the model is expensive to build and ship, and where a
// task should be isolated from the caller's process.
//
// # Architecture Overview
//
// parinvoke is built from four parts:
//
//  1. Persistence: Persist places a model where other processes can rebuild it
//     cheaply, in a shared-memory segment or a memory-mappable container file.
//     The returned PersistedModel is a small handle that travels instead of
//     the model.
//
//  2. Invokers: NewInvoker applies a registered Op to the model for a slice of
//     arguments. With one job the work runs in the calling goroutine; with
//     more it runs on a pool of worker processes, and results come back in
//     argument order.
//
//  3. Worker bootstrap: workers are fresh executions of the same binary. Each
//     one sets its identity, seed and log forwarding before it touches user
//     code, then binds the op to the shared model.
//
//  4. Isolation: RunSP runs one registered Func in a throwaway process and
//     relays its result, its error, or the way it crashed.
//
// # Registering Functions
//
// Go cannot send code to another process, so task functions are registered by
// name in package-level variables and workers look them up again:
//
//	var MatVec = parinvoke.RegisterOp("matvec",
//		func(m *mat.Dense, v []float64) ([]float64, error) {
//			var out mat.VecDense
//			out.MulVec(m, mat.NewVecDense(len(v), v))
//			return out.RawVector().Data, nil
//		})
//
// Since workers re-execute the binary, main (and TestMain in tests) must start
// by calling WorkerMain:
//
//	func main() {
//		parinvoke.WorkerMain()
//		...
//	}
//
// # Invoking
//
//	inv, err := parinvoke.NewInvoker(model, MatVec, 4)
//	if err != nil {
//		return err
//	}
//	defer inv.Shutdown()
//	results, err := inv.Map(vectors)
//
// An error returned by the op comes back as a *TaskError; a worker that dies
// comes back as a *CrashError carrying its exit code, and the pool refuses
// further work.
//
// # Sharing Models
//
// *mat.Dense and *mat.VecDense are stored as raw buffers. Other models are
// encoded with msgpack; models holding bulk float64 data can implement
// BufferSharer to have it stored out of band, and SharedRepresentable to leave
// derived fields out of the shared encoding.
//
// # Configuration
//
// ParallelConfig reads process counts and overrides from the environment
// (PARINVOKE_NUM_PROCS, PARINVOKE_TEMP_DIR, PARINVOKE_SEED,
// PARINVOKE_LOG_LEVEL). A Context bundles a configuration, a backend choice,
// a logger and metrics, and releases what was created through it when closed.
//
// # Platform Support
//
// Worker processes need inherited pipes and run on Unix systems. The
// shared-memory backend uses /dev/shm and is available on Linux; elsewhere
// persistence falls back to container files.
package parinvoke
