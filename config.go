package parinvoke

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"
)

// DefaultPrefix is the environment variable prefix used when a config sets none,
// and the fallback consulted when a custom prefix's variables are unset.
const DefaultPrefix = "PARINVOKE"

// defaultMaxProcs caps the derived process count of DefaultConfig.
const defaultMaxProcs = 4

// ParallelConfig resolves process counts and persistence overrides from the
// environment. Variables are read on every call, so changes to the environment
// take effect without rebuilding the config.
//
// Recognized variables (shown with the default prefix):
//
//	PARINVOKE_NUM_PROCS  comma-separated process counts, outermost level first
//	PARINVOKE_TEMP_DIR   directory for file-backed persistence; forces file-backed mode
//	PARINVOKE_SEED       integer root seed for reproducible runs
//	PARINVOKE_LOG_LEVEL  minimum level workers forward to the parent (default debug)
type ParallelConfig struct {
	// Prefix names the environment variables; empty means DefaultPrefix.
	Prefix string

	// CoreDiv, when positive, divides the CPU count for the outer level and becomes
	// the process count of the next level.
	CoreDiv int

	// MaxDefault, when positive, caps the CPU-derived outer process count.
	// It does not cap explicit PARINVOKE_NUM_PROCS values.
	MaxDefault int

	// WorkerExecutable overrides the binary launched for workers. Empty means
	// the running executable, which must call WorkerMain.
	WorkerExecutable string
}

// envSettings is the envconfig view of one prefix.
type envSettings struct {
	NumProcs procList `envconfig:"NUM_PROCS"`
	TempDir  string `envconfig:"TEMP_DIR"`
	Seed     string `envconfig:"SEED"`
	LogLevel string `envconfig:"LOG_LEVEL"`
}

// procList is a comma-separated list of process counts. Elements may carry
// surrounding whitespace ("8, 2").
type procList []int

// Decode implements envconfig.Decoder.
func (p *procList) Decode(value string) error {
	if strings.TrimSpace(value) == "" {
		*p = nil
		return nil
	}
	parts := strings.Split(value, ",")
	out := make(procList, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return err
		}
		out[i] = n
	}
	*p = out
	return nil
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *ParallelConfig {
	return &ParallelConfig{
		Prefix:     DefaultPrefix,
		MaxDefault: defaultMaxProcs,
	}
}

// NewParallelConfig returns an uncapped configuration reading variables under prefix.
func NewParallelConfig(prefix string) *ParallelConfig {
	return &ParallelConfig{Prefix: prefix}
}

func (c *ParallelConfig) prefix() string {
	if c == nil || c.Prefix == "" {
		return DefaultPrefix
	}
	return strings.ToUpper(c.Prefix)
}

// EnvVar returns the full name of the variable with the given suffix, e.g. "TEMP_DIR".
func (c *ParallelConfig) EnvVar(suffix string) string {
	return c.prefix() + "_" + suffix
}

// load reads the variables under the config prefix, filling unset ones from
// the default prefix.
func (c *ParallelConfig) load() (envSettings, error) {
	var env envSettings
	if err := processEnv(c.prefix(), &env); err != nil {
		return env, err
	}
	if c.prefix() == DefaultPrefix {
		return env, nil
	}

	var fallback envSettings
	if err := processEnv(DefaultPrefix, &fallback); err != nil {
		return env, err
	}
	if len(env.NumProcs) == 0 {
		env.NumProcs = fallback.NumProcs
	}
	if env.TempDir == "" {
		env.TempDir = fallback.TempDir
	}
	if env.Seed == "" {
		env.Seed = fallback.Seed
	}
	if env.LogLevel == "" {
		env.LogLevel = fallback.LogLevel
	}
	return env, nil
}

func processEnv(prefix string, env *envSettings) error {
	err := envconfig.Process(prefix, env)
	if err == nil {
		// envconfig also reads the unprefixed names (LOG_LEVEL, SEED, ...);
		// only the prefixed variables belong to us.
		if _, ok := os.LookupEnv(prefix + "_NUM_PROCS"); !ok {
			env.NumProcs = nil
		}
		if _, ok := os.LookupEnv(prefix + "_TEMP_DIR"); !ok {
			env.TempDir = ""
		}
		if _, ok := os.LookupEnv(prefix + "_SEED"); !ok {
			env.Seed = ""
		}
		if _, ok := os.LookupEnv(prefix + "_LOG_LEVEL"); !ok {
			env.LogLevel = ""
		}
		return nil
	}
	var pe *envconfig.ParseError
	if errors.As(err, &pe) {
		return &ConfigError{Var: pe.KeyName, Err: pe.Err}
	}
	return &ConfigError{Var: prefix + "_*", Err: err}
}

// ProcCount returns the number of processes to use at a nesting level, 0 being
// the outermost. Levels deeper than the configured hierarchy get 1.
//
// Without PARINVOKE_NUM_PROCS the outer level uses the CPU count (divided by
// CoreDiv and capped by MaxDefault when set), and level 1 uses CoreDiv.
func (c *ParallelConfig) ProcCount(level int) (int, error) {
	env, err := c.load()
	if err != nil {
		return 0, err
	}

	procs := env.NumProcs
	if len(procs) > 0 {
		for _, n := range procs {
			if n < 1 {
				return 0, &ConfigError{
					Var: c.EnvVar("NUM_PROCS"),
					Err: fmt.Errorf("process count %d is not positive", n),
				}
			}
		}
	} else {
		n := runtime.NumCPU()
		if c.CoreDiv > 0 {
			n = max(n/c.CoreDiv, 1)
		}
		if c.MaxDefault > 0 {
			n = min(n, c.MaxDefault)
		}
		procs = []int{n}
		if c.CoreDiv > 0 {
			procs = append(procs, c.CoreDiv)
		}
	}

	if level < 0 || level >= len(procs) {
		return 1, nil
	}
	return procs[level], nil
}

// TempDir returns the configured persistence directory, or "" when unset.
func (c *ParallelConfig) TempDir() (string, error) {
	env, err := c.load()
	if err != nil {
		return "", err
	}
	return env.TempDir, nil
}

// seedOverride returns the configured root seed, if any.
func (c *ParallelConfig) seedOverride() (uint64, bool, error) {
	env, err := c.load()
	if err != nil {
		return 0, false, err
	}
	if env.Seed == "" {
		return 0, false, nil
	}
	seed, err := strconv.ParseUint(env.Seed, 10, 64)
	if err != nil {
		return 0, false, &ConfigError{Var: c.EnvVar("SEED"), Err: err}
	}
	return seed, true, nil
}

// workerLogLevel returns the minimum level workers forward to the parent.
func (c *ParallelConfig) workerLogLevel() (zapcore.Level, error) {
	env, err := c.load()
	if err != nil {
		return zapcore.DebugLevel, err
	}
	if env.LogLevel == "" {
		return zapcore.DebugLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(env.LogLevel)); err != nil {
		return zapcore.DebugLevel, &ConfigError{Var: c.EnvVar("LOG_LEVEL"), Err: err}
	}
	return level, nil
}
