// parinvoke-demo - apply a random matrix to random vectors on a worker pool
//
// Usage:
//
//	parinvoke-demo [--jobs N] [--size N] [--vectors N] [--method file|shm] [--seed N] [--verbose]
//
// The binary is also its own worker executable.
package main

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/richinsley/parinvoke"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

var (
	jobsFlag    int
	sizeFlag    int
	vectorsFlag int
	methodFlag  string
	seedFlag    uint64
	verboseFlag bool
)

var matVec = parinvoke.RegisterOp("demo.matvec", func(m *mat.Dense, v []float64) ([]float64, error) {
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(len(v), v))
	return out.RawVector().Data, nil
})

var frobenius = parinvoke.RegisterFunc("demo.frobenius", func(pm *parinvoke.PersistedModel[*mat.Dense]) (float64, error) {
	defer pm.Close()
	m, err := pm.Get()
	if err != nil {
		return 0, err
	}
	zap.L().Named("demo").Info("computing norm in isolated worker", zap.Int("pid", os.Getpid()))
	return mat.Norm(m, 2), nil
})

func main() {
	parinvoke.WorkerMain()

	flag.IntVarP(&jobsFlag, "jobs", "j", 0, "Worker processes (0 = from PARINVOKE_NUM_PROCS or CPU count)")
	flag.IntVarP(&sizeFlag, "size", "n", 100, "Matrix dimension")
	flag.IntVar(&vectorsFlag, "vectors", 100, "Number of input vectors")
	flag.StringVarP(&methodFlag, "method", "m", "", "Persistence method: file, shm (default: platform choice)")
	flag.Uint64Var(&seedFlag, "seed", 0, "Root seed (0 = PARINVOKE_SEED or random)")
	flag.BoolVarP(&verboseFlag, "verbose", "v", false, "Log at debug level, including worker logs")
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "parinvoke-demo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := newLogger(verboseFlag)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	method, err := parinvoke.ParseMethod(methodFlag)
	if err != nil {
		return err
	}
	if seedFlag != 0 {
		os.Setenv(parinvoke.DefaultConfig().EnvVar("SEED"), fmt.Sprint(seedFlag))
	}

	ctx := parinvoke.NewContext(parinvoke.DefaultConfig(),
		parinvoke.WithMethod(method),
		parinvoke.WithLogger(logger.Named("parinvoke")))

	return parinvoke.Scoped(ctx, func(c *parinvoke.Context) error {
		rng := parinvoke.Rand()
		data := make([]float64, sizeFlag*sizeFlag)
		for i := range data {
			data[i] = rng.NormFloat64()
		}
		m := mat.NewDense(sizeFlag, sizeFlag, data)

		vectors := make([][]float64, vectorsFlag)
		for i := range vectors {
			vectors[i] = make([]float64, sizeFlag)
			for j := range vectors[i] {
				vectors[i][j] = rng.Float64()
			}
		}

		pm, err := parinvoke.Persist(m, parinvoke.WithContext(c))
		if err != nil {
			return err
		}
		defer pm.Close()

		inv, err := parinvoke.NewInvokerFor(pm, matVec, jobsFlag, parinvoke.WithContext(c))
		if err != nil {
			return err
		}
		start := time.Now()
		var results [][]float64
		err = parinvoke.Use(inv, func(inv parinvoke.Invoker[[]float64, []float64]) error {
			results, err = inv.Map(vectors)
			return err
		})
		if err != nil {
			return err
		}
		elapsed := time.Since(start)

		maxErr := 0.0
		for i, v := range vectors {
			var want mat.VecDense
			want.MulVec(m, mat.NewVecDense(sizeFlag, v))
			for j, got := range results[i] {
				maxErr = math.Max(maxErr, math.Abs(got-want.AtVec(j)))
			}
		}

		norm, err := parinvoke.RunSP(frobenius, pm, parinvoke.WithContext(c))
		if err != nil {
			return err
		}

		fmt.Printf("method=%s vectors=%d size=%d elapsed=%s max_abs_error=%.3g norm=%.6f\n",
			pm.Method(), vectorsFlag, sizeFlag, elapsed.Round(time.Millisecond), maxErr, norm)
		return nil
	})
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
