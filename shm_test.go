package parinvoke

import (
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedMemoryCreateOpen(t *testing.T) {
	requireSharedMemory(t)
	name := "pi-test-" + uuid.NewString()

	owner, err := CreateSharedMemory(name, 4096)
	require.NoError(t, err)
	t.Cleanup(func() {
		owner.Close()
		owner.Unlink()
	})
	assert.Equal(t, 4096, owner.Size())

	n, err := owner.WriteAt([]byte("model"), 128)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = CreateSharedMemory(name, 4096)
	assert.Error(t, err, "creating an existing segment must fail")

	reader, err := OpenSharedMemory(name)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, 4096, reader.Size())

	buf := make([]byte, 5)
	_, err = reader.ReadAt(buf, 128)
	require.NoError(t, err)
	assert.Equal(t, "model", string(buf))

	_, err = reader.WriteAt([]byte("x"), 0)
	assert.ErrorContains(t, err, "read-only")

	// Writes by the owner are visible through the other mapping.
	_, err = owner.WriteAt([]byte("MODEL"), 128)
	require.NoError(t, err)
	assert.Equal(t, "MODEL", string(reader.Bytes()[128:133]))
}

func TestSharedMemoryBounds(t *testing.T) {
	requireSharedMemory(t)
	m, err := CreateSharedMemory("pi-test-"+uuid.NewString(), 64)
	require.NoError(t, err)
	defer m.Unlink()
	defer m.Close()

	_, err = m.WriteAt(make([]byte, 8), 60)
	assert.ErrorIs(t, err, io.ErrShortWrite)

	buf := make([]byte, 8)
	n, err := m.ReadAt(buf, 60)
	assert.Equal(t, 4, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = CreateSharedMemory("pi-test-"+uuid.NewString(), 0)
	assert.Error(t, err)
}

func TestSharedMemoryTypedSlice(t *testing.T) {
	requireSharedMemory(t)
	m, err := CreateSharedMemory("pi-test-"+uuid.NewString(), 128)
	require.NoError(t, err)
	defer m.Unlink()
	defer m.Close()

	vals, err := GetTypedSlice[float64](m, 64, 8)
	require.NoError(t, err)
	for i := range vals {
		vals[i] = float64(i) / 2
	}
	again, err := GetTypedSlice[float64](m, 64, 8)
	require.NoError(t, err)
	assert.Equal(t, 3.5, again[7])

	_, err = GetTypedSlice[float64](m, 64, 9)
	assert.Error(t, err)
	_, err = GetTypedSlice[int32](m, -4, 1)
	assert.Error(t, err)

	empty, err := GetTypedSlice[uint64](m, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSharedMemoryClosed(t *testing.T) {
	requireSharedMemory(t)
	m, err := CreateSharedMemory("pi-test-"+uuid.NewString(), 64)
	require.NoError(t, err)
	require.NoError(t, m.Unlink())
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Zero(t, m.Size())
	_, err = m.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = OpenSharedMemory(m.Name)
	assert.Error(t, err)
}
