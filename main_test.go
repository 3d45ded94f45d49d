package parinvoke

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"testing"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// The test binary doubles as the worker executable, so everything a worker
// may run is registered here.
func TestMain(m *testing.M) {
	WorkerMain()
	os.Exit(m.Run())
}

var testMatVec = RegisterOp("test.matvec", func(m *mat.Dense, v []float64) ([]float64, error) {
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(len(v), v))
	return out.RawVector().Data, nil
})

var testScale = RegisterOp("test.scale", func(factor float64, x float64) (float64, error) {
	if x < 0 {
		return 0, fmt.Errorf("negative input %v", x)
	}
	if x == 13 {
		os.Exit(5)
	}
	if x == 99 {
		panic("ninety-nine")
	}
	return factor * x, nil
})

type workerInfo struct {
	Identity WorkerIdentity
	Seed     *SeedSequence
	Threads  int
}

var testWorkerInfo = RegisterOp("test.workerinfo", func(_ float64, _ int) (workerInfo, error) {
	zap.L().Named("test.pool").Debug("reporting identity")
	return workerInfo{Identity: CurrentWorker(), Seed: RootSeed(), Threads: runtime.GOMAXPROCS(0)}, nil
})

var testIdentity = RegisterFunc("test.identity", func(struct{}) (workerInfo, error) {
	return workerInfo{Identity: CurrentWorker(), Seed: RootSeed()}, nil
})

var testFail = RegisterFunc("test.fail", func(msg string) (int, error) {
	return 0, fmt.Errorf("wrapped: %w", errors.New(msg))
})

var testPanic = RegisterFunc("test.panic", func(int) (int, error) {
	panic("isolated panic")
})

var testExit = RegisterFunc("test.exit", func(code int) (int, error) {
	os.Exit(code)
	return 0, nil
})

var testLog = RegisterFunc("test.log", func(msg string) (bool, error) {
	logger := zap.L().Named("test.child")
	logger.Debug("debug detail")
	logger.Info(msg, zap.Int("answer", 42), zap.String("who", "child"))
	return true, nil
})

// testSharedMatrix persists a rows x cols matrix with entries i*cols+j in
// shared memory and hands ownership to the caller.
var testSharedMatrix = RegisterFunc("test.sharedmatrix", func(dims [2]int) (*PersistedModel[*mat.Dense], error) {
	pm, err := Persist(countingMatrix(dims[0], dims[1]), WithMethod(MethodSharedMemory))
	if err != nil {
		return nil, err
	}
	return pm.Transfer(), nil
})

var testNorm = RegisterFunc("test.norm", func(pm *PersistedModel[*mat.Dense]) (float64, error) {
	defer pm.Close()
	m, err := pm.Get()
	if err != nil {
		return 0, err
	}
	return mat.Sum(m), nil
})

func countingMatrix(rows, cols int) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = float64(i)
	}
	return mat.NewDense(rows, cols, data)
}

// randomMatrix returns a matrix and vectors drawn from a fixed seed.
func randomMatrix(n, count int) (*mat.Dense, [][]float64) {
	rng := NewSeedSequence(12345).Rand()
	data := make([]float64, n*n)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	vectors := make([][]float64, count)
	for i := range vectors {
		vectors[i] = make([]float64, n)
		for j := range vectors[i] {
			vectors[i][j] = rng.Float64()
		}
	}
	return mat.NewDense(n, n, data), vectors
}
