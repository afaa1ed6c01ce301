package engine

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunCmdCapturesOutputAndExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell")
	}
	cancelCh := make(chan struct{})
	res := runCmd(cancelCh, []string{"/bin/sh", "-c", "echo hello"}, t.TempDir(), time.Second, nil, 1<<20)

	require.NoError(t, res.Err)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, string(res.Output), "hello")
}

func TestRunCmdReportsNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell")
	}
	cancelCh := make(chan struct{})
	res := runCmd(cancelCh, []string{"/bin/sh", "-c", "exit 7"}, t.TempDir(), time.Second, nil, 1<<20)

	require.NoError(t, res.Err)
	require.Equal(t, 7, res.ExitCode)
}

func TestRunCmdCapsOutputAtLimit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell")
	}
	cancelCh := make(chan struct{})
	const limit = 100
	res := runCmd(cancelCh, []string{"/bin/sh", "-c", "yes x | head -c 100000"}, t.TempDir(), 5*time.Second, nil, limit)

	require.True(t, int64(len(res.Output)) <= limit+int64(len("...<truncated>")))
}

func TestRunCmdTimeoutKillsProcessGroup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell")
	}
	cancelCh := make(chan struct{})
	start := time.Now()
	res := runCmd(cancelCh, []string{"/bin/sh", "-c", "sleep 10"}, t.TempDir(), 200*time.Millisecond, nil, 1<<20)
	elapsed := time.Since(start)

	require.True(t, res.TimedOut)
	require.True(t, isTimeout(res.Err))
	require.True(t, elapsed < 3*time.Second, "expected timeout kill well under the sleep duration, took %s", elapsed)
}

func TestRunCmdObservesCancelBeforeStarting(t *testing.T) {
	cancelCh := make(chan struct{})
	close(cancelCh)

	res := runCmd(cancelCh, []string{"/bin/sh", "-c", "echo should-not-run"}, t.TempDir(), time.Second, nil, 1<<20)
	require.True(t, isCancelled(res.Err))
}

func TestRunCmdObservesCancelMidFlight(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell")
	}
	cancelCh := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(cancelCh)
	}()

	start := time.Now()
	res := runCmd(cancelCh, []string{"/bin/sh", "-c", "sleep 30"}, t.TempDir(), 10*time.Second, nil, 1<<20)
	elapsed := time.Since(start)

	require.True(t, isCancelled(res.Err))
	require.True(t, elapsed < 3*time.Second)
}

func TestRunShellUsesSystemShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell")
	}
	cancelCh := make(chan struct{})
	res := runShell(cancelCh, "echo $((1+1))", t.TempDir(), time.Second, nil, 1<<20)

	require.NoError(t, res.Err)
	require.Contains(t, string(res.Output), "2")
}
