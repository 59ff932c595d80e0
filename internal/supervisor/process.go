package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// OutputLine is one line of worker output.
type OutputLine struct {
	Stream string // "stdout", "stderr" or "pty"
	Text   string
}

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	Code   int    // -1 when terminated by a signal
	Signal string // Empty unless terminated by a signal
	Err    error  // Wait failure, if any
}

func (e ExitStatus) String() string {
	switch {
	case e.Signal != "":
		return "signal: " + e.Signal
	case e.Err != nil:
		return "error: " + e.Err.Error()
	default:
		return fmt.Sprintf("exit status %d", e.Code)
	}
}

// Process is a running worker.
type Process interface {
	Pid() int
	// Done delivers the exit status exactly once.
	Done() <-chan ExitStatus
	// Kill terminates the process and everything in its process group.
	Kill() error
}

// Spawner launches worker processes. output is called from reader
// goroutines for every line the worker prints and must be safe for
// concurrent use.
type Spawner interface {
	Spawn(ctx context.Context, cmd Command, output func(OutputLine)) (Process, error)
}

// ExecSpawner runs the worker with os/exec in its own process group, or
// under a pseudo-terminal when PTY is set (engines that block-buffer
// output on pipes flush per line on a tty).
type ExecSpawner struct {
	PTY         bool
	StopTimeout time.Duration
}

func (s *ExecSpawner) Spawn(ctx context.Context, c Command, output func(OutputLine)) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir

	p := &execProcess{
		cmd:         cmd,
		done:        make(chan ExitStatus, 1),
		exited:      make(chan struct{}),
		stopTimeout: s.StopTimeout,
	}
	if p.stopTimeout <= 0 {
		p.stopTimeout = 5 * time.Second
	}

	if s.PTY {
		// pty.Start puts the child in a new session, which also makes it
		// a process group leader.
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("failed to start %s with pty: %w", c.Path, err)
		}
		p.pid = cmd.Process.Pid
		go func() {
			defer ptmx.Close()
			readLines(ptmx, "pty", output)
		}()
		go p.wait()
		return p, nil
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	startErr := cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if startErr != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, fmt.Errorf("failed to start %s: %w", c.Path, startErr)
	}
	p.pid = cmd.Process.Pid

	go func() {
		defer stdoutR.Close()
		readLines(stdoutR, "stdout", output)
	}()
	go func() {
		defer stderrR.Close()
		readLines(stderrR, "stderr", output)
	}()
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd         *exec.Cmd
	pid         int
	done        chan ExitStatus
	exited      chan struct{}
	stopTimeout time.Duration
	killOnce    sync.Once
	killErr     error
}

func (p *execProcess) Pid() int                { return p.pid }
func (p *execProcess) Done() <-chan ExitStatus { return p.done }

func (p *execProcess) Kill() error {
	p.killOnce.Do(func() {
		p.killErr = terminateGroup(p.pid, p.exited, p.stopTimeout)
	})
	return p.killErr
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	close(p.exited)
	p.done <- exitStatusFrom(p.cmd.ProcessState, err)
}

func exitStatusFrom(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: err}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal().String()}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return ExitStatus{Code: state.ExitCode(), Err: err}
	}
	return ExitStatus{Code: state.ExitCode()}
}

func readLines(r io.Reader, stream string, output func(OutputLine)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if output != nil {
			output(OutputLine{Stream: stream, Text: scanner.Text()})
		}
	}
}
