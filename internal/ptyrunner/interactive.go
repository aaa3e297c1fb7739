package ptyrunner

import (
	"os"
	"regexp"
	"strings"
	"time"

	"golang.org/x/term"
)

// InteractiveDriveConfig configures a one-shot scripted PTY interaction
// (spec.md §4.1 "Interactive drive"), used by the Codex usage client to
// run `codex /status` against a non-default config directory.
type InteractiveDriveConfig struct {
	Command     string
	Args        []string
	Cwd         string
	Env         map[string]string
	Cols, Rows  int
	Lines       []string       // input lines written with a short delay between each
	ReadyRegex  *regexp.Regexp // optional: wait for this to match decoded output before driving input
	SettleTime  time.Duration  // used instead of ReadyRegex when nil
	LineDelay   time.Duration  // delay between writing each input line
	PollQuantum time.Duration  // how long to wait for more output before considering the child quiescent
	Timeout     time.Duration  // hard deadline for the whole interaction
}

const (
	defaultLineDelay   = 50 * time.Millisecond
	defaultPollQuantum = 200 * time.Millisecond
)

// defaultSize mirrors the teacher's overlay.go sizing: inherit the
// controlling terminal's dimensions via term.GetSize when stdout is a
// terminal, else fall back to a fixed size for headless/daemon contexts.
func defaultSize() (cols, rows int) {
	fd := int(os.Stdout.Fd())
	if term.IsTerminal(fd) {
		if c, r, err := term.GetSize(fd); err == nil {
			return c, r
		}
	}
	return 80, 24
}

// InteractiveDrive opens a PTY session, waits for readiness, writes the
// configured input lines, then reads output until the child is quiescent
// for one poll quantum or the deadline elapses, and terminates the child.
// It returns everything read from the PTY, decoded permissively.
func InteractiveDrive(cfg InteractiveDriveConfig) (string, error) {
	if cfg.LineDelay <= 0 {
		cfg.LineDelay = defaultLineDelay
	}
	if cfg.PollQuantum <= 0 {
		cfg.PollQuantum = defaultPollQuantum
	}
	if cfg.Cols <= 0 || cfg.Rows <= 0 {
		cols, rows := defaultSize()
		if cfg.Cols <= 0 {
			cfg.Cols = cols
		}
		if cfg.Rows <= 0 {
			cfg.Rows = rows
		}
	}

	proc, err := Open(cfg.Command, cfg.Args, cfg.Cwd, cfg.Env, cfg.Cols, cfg.Rows)
	if err != nil {
		return "", err
	}

	reaped := make(chan struct{})
	go func() {
		proc.Wait()
		close(reaped)
	}()
	defer func() {
		proc.Terminate(reaped)
		proc.Close()
	}()

	deadline := time.Now().Add(cfg.Timeout)
	if cfg.Timeout <= 0 {
		deadline = time.Now().Add(30 * time.Second)
	}

	var out strings.Builder
	buf := make([]byte, 4096)
	chunks := make(chan []byte, 16)
	readErrs := make(chan error, 1)
	go func() {
		for {
			n, rerr := proc.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				chunks <- chunk
			}
			if rerr != nil {
				readErrs <- rerr
				return
			}
		}
	}()

	// Wait for readiness: either a regex match on accumulated output, or a
	// fixed settle time.
	ready := cfg.ReadyRegex == nil && cfg.SettleTime <= 0
	settleTimer := time.NewTimer(cfg.SettleTime)
	if cfg.SettleTime <= 0 {
		if !settleTimer.Stop() {
			<-settleTimer.C
		}
	}
	defer settleTimer.Stop()

waitReady:
	for !ready {
		select {
		case c := <-chunks:
			out.Write(c)
			if cfg.ReadyRegex != nil && cfg.ReadyRegex.MatchString(out.String()) {
				ready = true
			}
		case <-settleTimer.C:
			ready = true
		case <-time.After(time.Until(deadline)):
			break waitReady
		case <-readErrs:
			break waitReady
		}
	}

	for i, line := range cfg.Lines {
		if i > 0 {
			time.Sleep(cfg.LineDelay)
		}
		if _, werr := proc.Write([]byte(line)); werr != nil {
			break
		}
	}

	quantum := time.NewTimer(cfg.PollQuantum)
	defer quantum.Stop()
drain:
	for {
		if !quantum.Stop() {
			select {
			case <-quantum.C:
			default:
			}
		}
		quantum.Reset(cfg.PollQuantum)
		select {
		case c := <-chunks:
			out.Write(c)
		case <-quantum.C:
			break drain
		case <-time.After(time.Until(deadline)):
			break drain
		case err := <-readErrs:
			_ = err
			break drain
		}
	}

	return out.String(), nil
}
