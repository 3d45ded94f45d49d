package parinvoke

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gonum.org/v1/gonum/mat"
)

// testConfig points file persistence at a per-test directory.
func testConfig(t *testing.T) *ParallelConfig {
	t.Helper()
	clearConfigEnv(t)
	t.Setenv("PARINVOKE_TEMP_DIR", t.TempDir())
	return DefaultConfig()
}

func requireSharedMemory(t *testing.T) {
	t.Helper()
	if !SharedMemoryAvailable() {
		t.Skip("shared memory is not available")
	}
}

func TestParseMethod(t *testing.T) {
	cases := map[string]Method{
		"":              MethodDefault,
		"default":       MethodDefault,
		"file":          MethodFile,
		"binpickle":     MethodFile,
		"SHM":           MethodSharedMemory,
		"shared-memory": MethodSharedMemory,
	}
	for in, want := range cases {
		got, err := ParseMethod(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMethod("tape")
	assert.Error(t, err)
}

func TestPersistFile(t *testing.T) {
	cfg := testConfig(t)
	m := countingMatrix(20, 30)

	pm, err := Persist(m, WithConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, MethodFile, pm.Method())
	assert.True(t, pm.IsOwner())

	path := pm.Descriptor().Path
	dir, _ := cfg.TempDir()
	assert.Equal(t, dir, filepath.Dir(path))
	assert.FileExists(t, path)

	got, err := pm.Get()
	require.NoError(t, err)
	assert.NotSame(t, m, got)
	assert.True(t, mat.Equal(m, got))

	require.NoError(t, pm.Close())
	assert.NoFileExists(t, path)

	// The reconstruction does not depend on the file.
	assert.Equal(t, 599.0, got.At(19, 29))

	_, err = pm.Get()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, pm.Close(), ErrClosed)
}

func TestPersistSharedMemory(t *testing.T) {
	requireSharedMemory(t)
	clearConfigEnv(t)
	m := countingMatrix(10, 10)

	pm, err := Persist(m, WithMethod(MethodSharedMemory))
	require.NoError(t, err)
	desc := pm.Descriptor()
	assert.Equal(t, MethodSharedMemory, desc.Method)
	seg, err := OpenSharedMemory(desc.Segment)
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	got, err := pm.Get()
	require.NoError(t, err)
	assert.NotSame(t, m, got)
	assert.True(t, mat.Equal(m, got))

	require.NoError(t, pm.Close())
	_, err = OpenSharedMemory(desc.Segment)
	assert.Error(t, err)
	_, err = pm.Get()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPersistDefaultMethod(t *testing.T) {
	clearConfigEnv(t)
	pm, err := Persist(countingMatrix(2, 2))
	require.NoError(t, err)
	defer pm.Close()

	if SharedMemoryAvailable() {
		assert.Equal(t, MethodSharedMemory, pm.Method())
	} else {
		assert.Equal(t, MethodFile, pm.Method())
	}
}

func TestPersistTempDirForcesFile(t *testing.T) {
	cfg := testConfig(t)
	pm, err := Persist(countingMatrix(2, 2), WithConfig(cfg))
	require.NoError(t, err)
	defer pm.Close()
	assert.Equal(t, MethodFile, pm.Method())

	if SharedMemoryAvailable() {
		explicit, err := Persist(countingMatrix(2, 2), WithConfig(cfg), WithMethod(MethodSharedMemory))
		require.NoError(t, err)
		defer explicit.Close()
		assert.Equal(t, MethodSharedMemory, explicit.Method())
	}
}

func TestPersistSharedMemoryFallback(t *testing.T) {
	newSegment = func(string, int) ([]byte, error) { return nil, ErrSharedMemoryNotAvailable }
	t.Cleanup(func() { newSegment = createSegment })

	core, logs := observer.New(zapcore.WarnLevel)
	m := countingMatrix(3, 4)
	pm, err := Persist(m, WithConfig(testConfig(t)), WithMethod(MethodSharedMemory), WithLogger(zap.New(core)))
	require.NoError(t, err)
	defer pm.Close()

	assert.Equal(t, MethodFile, pm.Method())
	assert.FileExists(t, pm.Descriptor().Path)
	got, err := pm.Get()
	require.NoError(t, err)
	assert.True(t, mat.Equal(m, got))

	warnings := logs.FilterMessage("shared memory unavailable, falling back to file persistence")
	require.Equal(t, 1, warnings.Len())
	assert.Equal(t, ErrSharedMemoryNotAvailable.Error(), warnings.All()[0].ContextMap()["error"])
}

func TestPersistNonOwnerHandle(t *testing.T) {
	for _, method := range []Method{MethodFile, MethodSharedMemory} {
		t.Run(method.String(), func(t *testing.T) {
			if method == MethodSharedMemory {
				requireSharedMemory(t)
			}
			m := countingMatrix(4, 6)
			owner, err := Persist(m, WithConfig(testConfig(t)), WithMethod(method))
			require.NoError(t, err)
			defer owner.Close()

			data, err := msgpack.Marshal(owner)
			require.NoError(t, err)
			assert.True(t, owner.IsOwner())

			attached := new(PersistedModel[*mat.Dense])
			require.NoError(t, msgpack.Unmarshal(data, attached))
			assert.False(t, attached.IsOwner())

			got, err := attached.Get()
			require.NoError(t, err)
			assert.True(t, mat.Equal(m, got))

			require.NoError(t, attached.Close())
			require.NoError(t, attached.Close())

			again, err := owner.Get()
			require.NoError(t, err)
			assert.True(t, mat.Equal(m, again))
		})
	}
}

func TestPersistTransfer(t *testing.T) {
	owner, err := Persist(countingMatrix(3, 3), WithConfig(testConfig(t)))
	require.NoError(t, err)
	path := owner.Descriptor().Path

	data, err := msgpack.Marshal(owner.Transfer())
	require.NoError(t, err)
	assert.False(t, owner.IsOwner())

	received := new(PersistedModel[*mat.Dense])
	require.NoError(t, msgpack.Unmarshal(data, received))
	assert.True(t, received.IsOwner())

	require.NoError(t, owner.Close())
	assert.FileExists(t, path)
	require.NoError(t, received.Close())
	assert.NoFileExists(t, path)
}

func TestPersistCompressed(t *testing.T) {
	v := mat.NewVecDense(1000, nil)
	for i := 0; i < v.Len(); i++ {
		v.SetVec(i, float64(i%7))
	}
	pm, err := Persist(v, WithConfig(testConfig(t)), WithCompression(CompressionZstd))
	require.NoError(t, err)
	defer pm.Close()

	st, err := os.Stat(pm.Descriptor().Path)
	require.NoError(t, err)
	assert.Less(t, st.Size(), int64(8*v.Len()))

	got, err := pm.Get()
	require.NoError(t, err)
	assert.True(t, mat.Equal(v, got))
}

func TestPersistPlainValue(t *testing.T) {
	in := map[string][]int{"a": {1, 2}, "b": {3}}
	pm, err := Persist(in, WithConfig(testConfig(t)))
	require.NoError(t, err)
	defer pm.Close()

	got, err := pm.Get()
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

// weights keeps its coefficients out of band.
type weights struct {
	Label string
	Coef  []float64 `msgpack:"-"`
	Bias  []float64 `msgpack:"-"`
}

func (w *weights) SharedBuffers() [][]float64 { return [][]float64{w.Coef, w.Bias} }

func (w *weights) AdoptBuffers(bufs [][]float64) error {
	w.Coef, w.Bias = bufs[0], bufs[1]
	return nil
}

func TestPersistBufferSharer(t *testing.T) {
	in := &weights{Label: "lin", Coef: []float64{1, 2, 3}, Bias: []float64{0.5}}
	for _, method := range []Method{MethodFile, MethodSharedMemory} {
		t.Run(method.String(), func(t *testing.T) {
			if method == MethodSharedMemory {
				requireSharedMemory(t)
			}
			pm, err := Persist(in, WithConfig(testConfig(t)), WithMethod(method))
			require.NoError(t, err)
			defer pm.Close()

			got, err := pm.Get()
			require.NoError(t, err)
			assert.Equal(t, in.Label, got.Label)
			assert.Equal(t, in.Coef, got.Coef)
			assert.Equal(t, in.Bias, got.Bias)
		})
	}
}

func TestPersistBufferSharerByValue(t *testing.T) {
	in := weights{Label: "w", Coef: []float64{1, 2, 3}, Bias: []float64{4}}
	for _, method := range []Method{MethodFile, MethodSharedMemory} {
		t.Run(method.String(), func(t *testing.T) {
			if method == MethodSharedMemory {
				requireSharedMemory(t)
			}
			pm, err := Persist(in, WithConfig(testConfig(t)), WithMethod(method))
			require.NoError(t, err)
			defer pm.Close()

			got, err := pm.Get()
			require.NoError(t, err)
			assert.Equal(t, in, got)
		})
	}
}

func TestPersistCorruptContainer(t *testing.T) {
	pm, err := Persist(countingMatrix(2, 2), WithConfig(testConfig(t)))
	require.NoError(t, err)
	defer pm.Close()

	require.NoError(t, os.WriteFile(pm.Descriptor().Path, []byte("not a container"), 0600))
	_, err = pm.Get()
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, MethodFile, perr.Method)
}

func TestPersistThroughClosedContext(t *testing.T) {
	c := NewContext(testConfig(t))
	_, err := Persist(countingMatrix(2, 2), WithContext(c))
	assert.ErrorIs(t, err, ErrContextClosed)
}
