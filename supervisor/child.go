// Package supervisor runs the game server as a child process and owns its lifetime.
//
// The child's stdin is the only channel into the server; everything else (stdout, stderr)
// is passed through untouched. Shutdown escalates:
//
//	stop command → wait → SIGTERM → wait (grace) → SIGKILL
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultGrace is the time we wait after SIGTERM before sending SIGKILL.
const DefaultGrace = 5 * time.Second

var ErrNotRunning = errors.New("supervisor: child is not running")

// CommandWriter accepts console commands. transport.Outbound implements it.
type CommandWriter interface {
	Write(command string) error
}

type Options struct {
	Command     string
	Args        []string
	Dir         string
	Stdout      io.Writer // nil discards
	Stderr      io.Writer // nil discards
	StopCommand string    // written on Stop; empty skips straight to SIGTERM
	Grace       time.Duration
}

// Child is one running process.
type Child struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	opts   Options
	logger *zap.Logger

	done chan struct{} // closed once the process has been reaped
	err  error         // Wait result, valid after done
}

// Start spawns the process with a piped stdin.
func Start(opts Options, logger *zap.Logger) (*Child, error) {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Command, err)
	}

	c := &Child{
		cmd:    cmd,
		stdin:  stdin,
		opts:   opts,
		logger: logger.With(zap.Int("pid", cmd.Process.Pid)),
		done:   make(chan struct{}),
	}
	go func() {
		c.err = cmd.Wait()
		close(c.done)
	}()

	c.logger.Info("child started", zap.String("command", opts.Command), zap.Strings("args", opts.Args))
	return c, nil
}

// Stdin is the write end of the child's stdin pipe. It is closed automatically once the
// process exits.
func (c *Child) Stdin() io.WriteCloser {
	return c.stdin
}

func (c *Child) Pid() int {
	return c.cmd.Process.Pid
}

// Done is closed when the process has exited.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the process exits and returns its exit error.
func (c *Child) Wait() error {
	<-c.done
	return c.err
}

// Stop asks the child to exit. It writes the stop command through out and waits until ctx
// is done, then sends SIGTERM and, after the grace period, SIGKILL. It returns the child's
// exit error when it stopped on request, or a deadline error when it had to be signalled.
func (c *Child) Stop(ctx context.Context, out CommandWriter) error {
	select {
	case <-c.done:
		return ErrNotRunning
	default:
	}

	if c.opts.StopCommand != "" && out != nil {
		c.logger.Info("sending stop command", zap.String("command", c.opts.StopCommand))
		if err := out.Write(c.opts.StopCommand); err != nil {
			c.logger.Warn("failed to write stop command", zap.Error(err))
		} else {
			select {
			case <-c.done:
				c.logger.Info("child exited", zap.Error(c.err))
				return c.err
			case <-ctx.Done():
			}
		}
	}

	c.logger.Warn("child did not exit, sending SIGTERM")
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.Error("failed to send SIGTERM", zap.Error(err))
	}

	grace := time.NewTimer(c.opts.Grace)
	defer grace.Stop()

	select {
	case <-c.done:
		c.logger.Info("child exited after SIGTERM")
	case <-grace.C:
		c.logger.Warn("child did not exit after SIGTERM, sending SIGKILL")
		if err := c.cmd.Process.Kill(); err != nil {
			c.logger.Error("failed to send SIGKILL", zap.Error(err))
		}
		<-c.done
	}
	return fmt.Errorf("child stopped by signal: %w", context.DeadlineExceeded)
}
