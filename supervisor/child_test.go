//go:build unix

package supervisor

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"datapack-rpc/transport"
)

// syncBuffer guards the child's stdout, which exec copies on its own goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// consoleScript echoes commands and exits on "stop", like a game server console.
const consoleScript = `while read -r line; do
  if [ "$line" = stop ]; then echo "stopping"; exit 0; fi
  echo "got $line"
done`

func TestChildStopCommand(t *testing.T) {
	stdout := &syncBuffer{}
	child, err := Start(Options{
		Command:     "sh",
		Args:        []string{"-c", consoleScript},
		Stdout:      stdout,
		StopCommand: "stop",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Positive(t, child.Pid())

	out := transport.NewOutbound(child.Stdin())
	require.NoError(t, out.Write("say pong"))
	require.NoError(t, out.Write(`function my:cb {"result":5}`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, child.Stop(ctx, out))

	assert.Equal(t, "got say pong\ngot function my:cb {\"result\":5}\nstopping\n", stdout.String())
	assert.ErrorIs(t, child.Stop(ctx, out), ErrNotRunning)
}

func TestChildStopEscalatesToSIGTERM(t *testing.T) {
	child, err := Start(Options{
		Command:     "sleep",
		Args:        []string{"30"},
		StopCommand: "stop",
		Grace:       5 * time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	out := transport.NewOutbound(child.Stdin())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = child.Stop(ctx, out)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	var exitErr interface{ ExitCode() int }
	require.True(t, errors.As(child.Wait(), &exitErr))
	assert.Equal(t, -1, exitErr.ExitCode())
}

func TestChildStopEscalatesToSIGKILL(t *testing.T) {
	child, err := Start(Options{
		Command: "sh",
		Args:    []string{"-c", `trap "" TERM; exec sleep 30`},
		Grace:   50 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	// Give the shell time to install the trap before signalling.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err = child.Stop(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-child.Done():
	default:
		t.Fatal("child still running after SIGKILL")
	}
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(Options{Command: "/nonexistent/datapack-rpc-child"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
