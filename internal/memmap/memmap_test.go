package memmap

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestReserveAndRelease(t *testing.T) {
	pool := &Pool{}
	m, err := pool.Reserve("test-space", 4096, ProtRead|ProtWrite)
	require.NoError(t, err)
	require.NotZero(t, m.Addr())
	require.GreaterOrEqual(t, m.Size, uintptr(4096))
	require.Equal(t, m.Begin, m.Addr())
	require.Equal(t, m.Begin+m.Size, m.End())

	require.NoError(t, m.Protect(ProtRead|ProtWrite))
	require.NoError(t, m.MadviseDontNeed(m.Begin, m.End()))
	require.NoError(t, m.Release())
	require.NoError(t, m.Release(), "Release must be idempotent")
}

func TestReserveAlignsToPageSize(t *testing.T) {
	pool := &Pool{}
	m, err := pool.Reserve("odd-size", 1, ProtRead|ProtWrite)
	require.NoError(t, err)
	defer m.Release()
	require.GreaterOrEqual(t, m.Size, uintptr(1))
	pageSize := uintptr(unix.Getpagesize())
	require.Zero(t, m.Size%pageSize, "size should be a page multiple")
}

func TestAbortHookOnFailure(t *testing.T) {
	var called bool
	pool := &Pool{Abort: func(format string, args ...interface{}) {
		called = true
	}}
	// A mapping this large will fail on virtually any test machine's
	// overcommit limits, exercising the fatal path.
	_, err := pool.Reserve("too-big", 1<<62, ProtRead|ProtWrite)
	if err != nil {
		require.True(t, called, "abort hook should fire on reservation failure")
	}
}
