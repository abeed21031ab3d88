// Package ffmpeg drives ffmpeg subprocesses that convert between compressed
// video and raw BGR24 frames over pipes.
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var ErrNotRunning = errors.New("ffmpeg: process not running")

const stopGrace = 2 * time.Second

// Process is a running ffmpeg with its stdin and stdout exposed as pipes.
// stderr is forwarded to the logger line by line.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// Start launches path with args. The process is killed if ctx is cancelled.
func Start(ctx context.Context, path string, args []string, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdin pipe: %w", err)
	}
	// stdout is a plain os.Pipe so Wait does not close it under a reader
	// that is still draining the last frames.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stderr pipe: %w", err)
	}

	err = cmd.Start()
	stdoutW.Close()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("ffmpeg: start %s: %w", path, err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		logger: logger.With("pid", cmd.Process.Pid),
		done:   make(chan struct{}),
	}

	logged := make(chan struct{})
	go func() {
		defer close(logged)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			p.logger.Debug("ffmpeg", "line", scanner.Text())
		}
	}()

	go func() {
		<-logged
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

func (p *Process) Stdin() io.Writer { return p.stdin }

func (p *Process) Stdout() io.Reader { return p.stdout }

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err is the exit error, valid after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// CloseInput signals end of input so ffmpeg can flush and exit.
func (p *Process) CloseInput() error {
	return p.stdin.Close()
}

// Close ends the input, stops reading output, waits briefly for a clean exit
// and kills the process otherwise. Call CloseInput and drain Stdout first
// when the tail of the output matters.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.stdin.Close()
		p.stdout.Close()

		select {
		case <-p.done:
		case <-time.After(stopGrace):
			p.logger.Warn("ffmpeg did not exit, killing")
			if err := p.cmd.Process.Kill(); err != nil {
				p.closeErr = fmt.Errorf("ffmpeg: kill: %w", err)
			}
			<-p.done
		}
	})
	return p.closeErr
}
