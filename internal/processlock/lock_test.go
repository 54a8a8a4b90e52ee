package processlock

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	lock := New(dir, "demo-server", zap.NewNop())
	assert.Equal(t, filepath.Join(dir, "demo-server.pid"), lock.Path())

	require.NoError(t, lock.Acquire(""))
	data, err := os.ReadFile(lock.Path())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))

	// Re-acquiring from the owning process is allowed
	require.NoError(t, lock.Acquire(""))

	require.NoError(t, lock.Close())
	_, err = os.Stat(lock.Path())
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, lock.Release(), "releasing twice is a no-op")
}

func TestAcquire_LiveOwner(t *testing.T) {
	dir := t.TempDir()
	lock := New(dir, "watch", zap.NewNop())
	// PID 1 is always alive on Unix
	require.NoError(t, os.WriteFile(lock.Path(), []byte("1\n"), 0644))

	err := lock.Acquire("")
	if err == nil {
		t.Skip("cannot signal PID 1 in this environment")
	}
	assert.ErrorIs(t, err, ErrLocked)
	assert.NoError(t, lock.Release(), "a lock owned by another process is left alone")
	_, statErr := os.Stat(lock.Path())
	assert.NoError(t, statErr)
}

func TestAcquire_StaleFile(t *testing.T) {
	dir := t.TempDir()
	lock := New(dir, "watch", zap.NewNop())
	require.NoError(t, os.WriteFile(lock.Path(), []byte("not-a-pid"), 0644))

	require.NoError(t, lock.Acquire(""))
	require.NoError(t, lock.Release())
}

func TestAcquire_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	lock := New(t.TempDir(), "demo-server", zap.NewNop())
	err = lock.Acquire(ln.Addr().String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in use")

	assert.Error(t, lock.Acquire("no-port"))
}
