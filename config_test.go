package parinvoke

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func clearConfigEnv(t *testing.T, prefixes ...string) {
	t.Helper()
	for _, p := range append(prefixes, DefaultPrefix) {
		for _, suffix := range []string{"NUM_PROCS", "TEMP_DIR", "SEED", "LOG_LEVEL"} {
			t.Setenv(p+"_"+suffix, "")
		}
	}
}

func TestProcCountDefault(t *testing.T) {
	clearConfigEnv(t)

	n, err := DefaultConfig().ProcCount(0)
	require.NoError(t, err)
	assert.Equal(t, min(runtime.NumCPU(), defaultMaxProcs), n)

	n, err = DefaultConfig().ProcCount(1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcCountCoreDiv(t *testing.T) {
	clearConfigEnv(t)

	cfg := &ParallelConfig{CoreDiv: 2}
	n, err := cfg.ProcCount(0)
	require.NoError(t, err)
	assert.Equal(t, max(runtime.NumCPU()/2, 1), n)

	n, err = cfg.ProcCount(1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = cfg.ProcCount(2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcCountHierarchy(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PARINVOKE_NUM_PROCS", "8,2")

	cfg := DefaultConfig()
	for level, want := range []int{8, 2, 1, 1} {
		n, err := cfg.ProcCount(level)
		require.NoError(t, err)
		assert.Equal(t, want, n, "level %d", level)
	}
}

func TestProcCountWhitespace(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PARINVOKE_NUM_PROCS", " 7, 3 ")

	cfg := DefaultConfig()
	outer, err := cfg.ProcCount(0)
	require.NoError(t, err)
	inner, err := cfg.ProcCount(1)
	require.NoError(t, err)
	assert.Equal(t, []int{7, 3}, []int{outer, inner})

	t.Setenv("PARINVOKE_NUM_PROCS", "   ")
	n, err := NewParallelConfig("").ProcCount(1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcCountPrefixFallback(t *testing.T) {
	clearConfigEnv(t, "MYAPP")
	cfg := NewParallelConfig("myapp")
	assert.Equal(t, "MYAPP_NUM_PROCS", cfg.EnvVar("NUM_PROCS"))

	t.Setenv("PARINVOKE_NUM_PROCS", "3")
	n, err := cfg.ProcCount(0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	t.Setenv("MYAPP_NUM_PROCS", "5")
	n, err = cfg.ProcCount(0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestProcCountInvalid(t *testing.T) {
	clearConfigEnv(t)

	t.Setenv("PARINVOKE_NUM_PROCS", "four")
	_, err := DefaultConfig().ProcCount(0)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Var, "NUM_PROCS")

	t.Setenv("PARINVOKE_NUM_PROCS", "4,0")
	_, err = DefaultConfig().ProcCount(0)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "PARINVOKE_NUM_PROCS", cfgErr.Var)
}

func TestTempDirAndSeed(t *testing.T) {
	clearConfigEnv(t)
	cfg := DefaultConfig()

	dir, err := cfg.TempDir()
	require.NoError(t, err)
	assert.Empty(t, dir)

	t.Setenv("PARINVOKE_TEMP_DIR", "/var/tmp/models")
	dir, err = cfg.TempDir()
	require.NoError(t, err)
	assert.Equal(t, "/var/tmp/models", dir)

	_, ok, err := cfg.seedOverride()
	require.NoError(t, err)
	assert.False(t, ok)

	t.Setenv("PARINVOKE_SEED", "42")
	seed, ok, err := cfg.seedOverride()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), seed)

	t.Setenv("PARINVOKE_SEED", "-1")
	_, _, err = cfg.seedOverride()
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestWorkerLogLevel(t *testing.T) {
	clearConfigEnv(t)
	cfg := DefaultConfig()

	level, err := cfg.workerLogLevel()
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, level)

	t.Setenv("PARINVOKE_LOG_LEVEL", "warn")
	level, err = cfg.workerLogLevel()
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, level)

	t.Setenv("PARINVOKE_LOG_LEVEL", "loud")
	_, err = cfg.workerLogLevel()
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
