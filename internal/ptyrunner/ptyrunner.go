// Package ptyrunner spawns CLI child processes attached to a PTY pair,
// reaps them, and enforces graceful-then-forceful termination. It is the
// lowest layer of the execution control plane (spec.md §4.1): the Session
// Manager owns one ptyrunner.Process per live session.
package ptyrunner

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// GracePeriod is how long Terminate waits after SIGTERM before sending
// SIGKILL (spec.md §4.1, §5).
const GracePeriod = 5 * time.Second

// Process is a child process running inside a PTY, grounded on the
// teacher's virtualterminal.VT.StartPTY/KillChild pair but generalized to a
// standalone, client-free runner (no virtual-terminal screen buffer —
// the Session Manager pipes raw bytes through ringbuffer/ansi instead).
type Process struct {
	Cmd  *exec.Cmd
	Ptm  *os.File
	Pid  int
	Pgid int
}

// Open spawns cmd/args in a new PTY, detached into its own session so the
// whole process group can be signaled as a unit (spec.md §9 "process-group
// discipline"). cwd may be empty to inherit the current directory. env
// overlays are applied on top of the current environment, overriding any
// existing keys of the same name.
func Open(command string, args []string, cwd string, env map[string]string, cols, rows int) (*Process, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = cwd
	cmd.Env = overlayEnv(os.Environ(), env)
	// Setsid detaches the child into a new session so it becomes its own
	// process group leader; killing -pgid then reaches the whole tree
	// instead of just the immediate child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("ptyrunner: start %s: %w", command, err)
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		pgid = cmd.Process.Pid
	}

	return &Process{Cmd: cmd, Ptm: ptm, Pid: cmd.Process.Pid, Pgid: pgid}, nil
}

func overlayEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key := kv
		if idx := indexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		if _, overridden := overlay[key]; !overridden {
			out = append(out, kv)
		}
	}
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Read reads up to len(buf) bytes of raw output from the PTY master.
func (p *Process) Read(buf []byte) (int, error) {
	return p.Ptm.Read(buf)
}

// Write writes input to the child's stdin via the PTY master.
func (p *Process) Write(data []byte) (int, error) {
	return p.Ptm.Write(data)
}

// Resize updates the PTY window size.
func (p *Process) Resize(cols, rows int) error {
	return pty.Setsize(p.Ptm, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Wait blocks until the child exits and returns its error (nil on a clean
// zero exit), matching exec.Cmd.Wait semantics.
func (p *Process) Wait() error {
	return p.Cmd.Wait()
}

// ExitCode returns the child's exit code once Wait has returned, or -1 if
// the process was killed by a signal.
func (p *Process) ExitCode() int {
	if p.Cmd.ProcessState == nil {
		return -1
	}
	return p.Cmd.ProcessState.ExitCode()
}

// Terminate sends SIGTERM to the whole process group and waits up to
// GracePeriod for it to exit; if it is still alive, sends SIGKILL.
// Failure is logged by the caller (via the returned error) but never
// panics — this mirrors spec.md §4.1's "failure is logged but never
// raises" and the teacher's VT.KillChild best-effort posture.
func (p *Process) Terminate(reaped <-chan struct{}) error {
	if err := syscall.Kill(-p.Pgid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("ptyrunner: sigterm pgid %d: %w", p.Pgid, err)
	}

	timer := time.NewTimer(GracePeriod)
	defer timer.Stop()
	select {
	case <-reaped:
		return nil
	case <-timer.C:
	}

	if err := syscall.Kill(-p.Pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("ptyrunner: sigkill pgid %d: %w", p.Pgid, err)
	}
	return nil
}

// Close closes the PTY master descriptor.
func (p *Process) Close() error {
	return p.Ptm.Close()
}

// WriteTimeout writes to the PTY master but gives up after timeout,
// returning ErrWriteTimeout if the child isn't draining its stdin (the
// kernel PTY buffer is full). Grounded on virtualterminal.VT.WritePTY.
func (p *Process) WriteTimeout(data []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := p.Ptm.Write(data)
		ch <- result{n, err}
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-timer.C:
		return 0, ErrWriteTimeout
	}
}

// ErrWriteTimeout is returned by WriteTimeout when the child does not
// drain its stdin within the deadline.
var ErrWriteTimeout = fmt.Errorf("ptyrunner: write timed out")

var _ io.ReadWriteCloser = (*Process)(nil)
