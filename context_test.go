package parinvoke

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingExtension struct {
	name     string
	events   *[]string
	setupErr error
}

func (e *recordingExtension) Setup(c *Context) error {
	*e.events = append(*e.events, "setup "+e.name)
	return e.setupErr
}

func (e *recordingExtension) Teardown(c *Context) error {
	*e.events = append(*e.events, "teardown "+e.name)
	return nil
}

func TestContextLifecycle(t *testing.T) {
	var events []string
	ctx := NewContext(testConfig(t), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, ctx.Extend(&recordingExtension{name: "a", events: &events}))
	require.NoError(t, ctx.Extend(&recordingExtension{name: "b", events: &events}))

	require.NoError(t, ctx.Open())
	assert.Error(t, ctx.Extend(&recordingExtension{name: "late", events: &events}))
	assert.Error(t, ctx.Open())

	require.NoError(t, ctx.Close())
	assert.NoError(t, ctx.Close())
	assert.Equal(t, []string{"setup a", "setup b", "teardown b", "teardown a"}, events)
}

func TestContextSetupFailure(t *testing.T) {
	var events []string
	boom := errors.New("boom")
	ctx := NewContext(testConfig(t))
	require.NoError(t, ctx.Extend(&recordingExtension{name: "a", events: &events}))
	require.NoError(t, ctx.Extend(&recordingExtension{name: "b", events: &events, setupErr: boom}))
	require.NoError(t, ctx.Extend(&recordingExtension{name: "c", events: &events}))

	err := ctx.Open()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"setup a", "setup b", "teardown a"}, events)

	_, err = Persist(1.0, WithContext(ctx))
	assert.ErrorIs(t, err, ErrContextClosed)
}

func TestContextInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv("PARINVOKE_NUM_PROCS", "two")
	ctx := NewContext(cfg)

	var cfgErr *ConfigError
	assert.ErrorAs(t, ctx.Open(), &cfgErr)
}

func TestContextNotOpened(t *testing.T) {
	ctx := NewContext(testConfig(t))

	_, err := Persist(1.0, WithContext(ctx))
	assert.ErrorIs(t, err, ErrContextClosed)
	_, err = NewInvoker(1.0, testScale, 1, WithContext(ctx))
	assert.ErrorIs(t, err, ErrContextClosed)
}

func TestContextReleasesResources(t *testing.T) {
	ctx := NewContext(testConfig(t), WithMethod(MethodFile))
	require.NoError(t, ctx.Open())

	kept, err := Persist(countingMatrix(2, 2), WithContext(ctx))
	require.NoError(t, err)
	leaked, err := Persist(countingMatrix(3, 3), WithContext(ctx))
	require.NoError(t, err)
	require.NoError(t, kept.Close())

	inv, err := NewInvoker(2.0, testScale, 2, WithContext(ctx))
	require.NoError(t, err)
	out, err := inv.Map([]float64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4}, out)

	leakedPath := leaked.Descriptor().Path
	assert.FileExists(t, leakedPath)

	require.NoError(t, ctx.Close())

	assert.NoFileExists(t, leakedPath)
	_, err = leaked.Get()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, leaked.Close(), ErrClosed)

	_, err = inv.Map([]float64{1})
	assert.ErrorIs(t, err, ErrInvokerClosed)
	assert.NoError(t, inv.Shutdown())

	_, err = Persist(1.0, WithContext(ctx))
	assert.ErrorIs(t, err, ErrContextClosed)
}

func TestContextKeepsTransferredHandles(t *testing.T) {
	ctx := NewContext(testConfig(t), WithMethod(MethodFile))
	require.NoError(t, ctx.Open())

	pm, err := Persist(countingMatrix(2, 3), WithContext(ctx))
	require.NoError(t, err)

	// Ownership moves to the decoded copy; the context no longer tracks it.
	sum, err := RunSP(testNorm, pm.Transfer(), WithContext(ctx))
	require.NoError(t, err)
	assert.Equal(t, 15.0, sum)
	assert.False(t, pm.IsOwner())

	require.NoError(t, ctx.Close())
	assert.NoFileExists(t, pm.Descriptor().Path, "the child owned and removed the storage")
	assert.NoError(t, pm.Close())
}

func TestScoped(t *testing.T) {
	var events []string
	ctx := NewContext(testConfig(t))
	require.NoError(t, ctx.Extend(&recordingExtension{name: "x", events: &events}))

	fail := errors.New("inside")
	err := Scoped(ctx, func(c *Context) error {
		events = append(events, "body")
		return fail
	})
	assert.ErrorIs(t, err, fail)
	assert.Equal(t, []string{"setup x", "body", "teardown x"}, events)
}

func TestDefaultContext(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	t.Setenv("PARINVOKE_TEMP_DIR", dir)

	ctx, err := DefaultContext()
	require.NoError(t, err)
	assert.Equal(t, MethodFile, ctx.Method)

	err = Scoped(ctx, func(c *Context) error {
		pm, err := Persist(1.5, WithContext(c))
		if err != nil {
			return err
		}
		assert.Equal(t, MethodFile, pm.Method())
		assert.DirExists(t, dir)
		assert.FileExists(t, pm.Descriptor().Path)
		return nil
	})
	require.NoError(t, err)
}

func TestDefaultContextSharedMemory(t *testing.T) {
	requireSharedMemory(t)
	clearConfigEnv(t)

	ctx, err := DefaultContext()
	require.NoError(t, err)
	assert.Equal(t, MethodSharedMemory, ctx.Method)
}
