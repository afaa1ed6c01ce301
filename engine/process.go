package engine

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/PlatformNetwork/term-executor/common"
)

// cmdResult is the outcome of run_cmd/run_shell, per spec.md section 4.7.
type cmdResult struct {
	Output   []byte
	ExitCode int
	TimedOut bool
	Err      error
}

// capturedWriter is an io.Writer that stops copying once limit bytes
// have been buffered, so a spewing child process cannot grow memory
// past MAX_OUTPUT regardless of how much it writes before the reaper
// notices — invariant I6's "never buffer beyond the cap" applies here
// exactly as it does to the multipart upload reader.
type capturedWriter struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int64
}

func (w *capturedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if int64(w.buf.Len()) < w.limit {
		remaining := w.limit - int64(w.buf.Len())
		if int64(len(p)) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func (w *capturedWriter) bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf.Bytes()...)
}

// runCmd spawns argv[0] with the remaining elements as arguments, in
// its own process group, tees combined stdout+stderr into a capped
// buffer, and group-kills on timeout. cancelCh is checked before the
// process starts, so a batch already cancelled never spawns a new
// child, and again while the child runs, group-killing it on cancel.
func runCmd(cancelCh <-chan struct{}, argv []string, cwd string, timeout time.Duration, env []string, outputCap int64) cmdResult {
	select {
	case <-cancelCh:
		return cmdResult{Err: errCancelled}
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	if env != nil {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out := &capturedWriter{limit: outputCap}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return cmdResult{Output: common.TruncateOutput(out.bytes(), outputCap), Err: err}
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case <-cancelCh:
		killGroup(cmd.Process.Pid)
		<-waitDone
		return cmdResult{Output: common.TruncateOutput(out.bytes(), outputCap), Err: errCancelled}
	case <-ctx.Done():
		// Kill the whole group now: a grandchild holding the output pipe
		// would otherwise keep Wait from returning until it exits.
		killGroup(cmd.Process.Pid)
		<-waitDone
		return cmdResult{Output: common.TruncateOutput(out.bytes(), outputCap), TimedOut: true, Err: errTimeout}
	case err := <-waitDone:
		if ctx.Err() == context.DeadlineExceeded {
			killGroup(cmd.Process.Pid)
			return cmdResult{Output: common.TruncateOutput(out.bytes(), outputCap), TimedOut: true, Err: errTimeout}
		}
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				return cmdResult{Output: common.TruncateOutput(out.bytes(), outputCap), Err: err}
			}
		}
		return cmdResult{Output: common.TruncateOutput(out.bytes(), outputCap), ExitCode: exitCode}
	}
}

// runShell runs cmdStr through the system shell, the way install[]
// entries are run (spec.md section 4.7).
func runShell(cancelCh <-chan struct{}, cmdStr string, cwd string, timeout time.Duration, env []string, outputCap int64) cmdResult {
	return runCmd(cancelCh, []string{"/bin/sh", "-c", cmdStr}, cwd, timeout, env, outputCap)
}

// killGroup sends SIGKILL to the entire process group rooted at pid,
// catching any children the direct child spawned, per spec.md's
// "signal the entire process group" requirement (I7).
func killGroup(pid int) {
	syscall.Kill(-pid, syscall.SIGKILL)
}

var (
	errCancelled = &phaseError{"cancelled"}
	errTimeout   = &phaseError{"timeout"}
)

type phaseError struct{ code string }

func (e *phaseError) Error() string { return e.code }

func isCancelled(err error) bool {
	pe, ok := err.(*phaseError)
	return ok && pe == errCancelled
}

func isTimeout(err error) bool {
	pe, ok := err.(*phaseError)
	return ok && pe == errTimeout
}
