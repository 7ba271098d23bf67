package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "netcore.pid")
	p := New(path)

	require.NoError(t, p.Acquire())
	assert.True(t, p.Held())
	assert.Equal(t, os.Getpid(), p.PID())

	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Release())
	assert.False(t, p.Held())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// a second release is a no-op
	require.NoError(t, p.Release())
}

func TestAcquireReplacesStaleFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "garbage", content: "not a pid"},
		{name: "empty", content: ""},
		{name: "own pid from an earlier run", content: strconv.Itoa(os.Getpid())},
		{name: "dead process", content: "2147483646"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "netcore.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			p := New(path)
			require.NoError(t, p.Acquire())
			t.Cleanup(func() { _ = p.Release() })

			pid, err := p.Read()
			require.NoError(t, err)
			assert.Equal(t, os.Getpid(), pid)
		})
	}
}

func TestAcquireRefusesLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netcore.pid")
	// the test runner's parent is alive for the duration of the test
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0644))

	p := New(path)
	err := p.Acquire()
	require.ErrorIs(t, err, ErrRunning)
	assert.False(t, p.Held())

	// the other process keeps its file
	require.NoError(t, p.Release())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
