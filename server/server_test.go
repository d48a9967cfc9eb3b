package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"datapack-rpc/codec"
	"datapack-rpc/message"
	"datapack-rpc/watch"
)

type fakeSource struct {
	events chan watch.Event
	errs   chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan watch.Event), errs: make(chan error, 1)}
}

func (f *fakeSource) Events() <-chan watch.Event { return f.events }
func (f *fakeSource) Errors() <-chan error       { return f.errs }

// blockingHandler parks every dispatch until release is closed or ctx ends.
type blockingHandler struct {
	started chan string
	release chan struct{}
}

func (h *blockingHandler) Dispatch(ctx context.Context, env *message.Envelope) error {
	h.started <- env.String()
	select {
	case <-h.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type harness struct {
	root   string
	sink   *recordingSink
	src    *fakeSource
	srv    *Server
	logs   *observer.ObservedLogs
	served chan error
}

func newHarness(t *testing.T, handler func(*recordingSink) Handler, opts Options) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		root:   t.TempDir(),
		sink:   &recordingSink{},
		src:    newFakeSource(),
		logs:   logs,
		served: make(chan error, 1),
	}
	srv, err := NewServer(h.root, handler(h.sink), opts, zap.New(core))
	require.NoError(t, err)
	h.srv = srv
	go func() { h.served <- srv.Serve(context.Background(), h.src) }()
	return h
}

func withDispatcher(chat ChatCompleter) func(*recordingSink) Handler {
	return func(sink *recordingSink) Handler {
		return NewDispatcher(sink, chat, DispatcherOptions{Timeout: time.Second}, zap.NewNop())
	}
}

// writeCarrier writes a marker file for id under root and returns its path.
func writeCarrier(t *testing.T, root, id string, content []byte) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, DefaultMarker)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func envelope(t *testing.T, env map[string]any) []byte {
	t.Helper()
	data, err := codec.Wrap(env, codec.DefaultPackFormat)
	require.NoError(t, err)
	return data
}

func (h *harness) send(t *testing.T, path string, op watch.Op) {
	t.Helper()
	select {
	case h.src.events <- watch.Event{Path: path, Op: op}:
	case <-time.After(2 * time.Second):
		t.Fatal("watch loop did not accept event")
	}
}

// finish closes the event stream and waits for Serve to return.
func (h *harness) finish(t *testing.T) {
	t.Helper()
	close(h.src.events)
	select {
	case err := <-h.served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func (h *harness) errorLogs() []observer.LoggedEntry {
	return h.logs.FilterLevelExact(zapcore.ErrorLevel).All()
}

func TestServePingCarrier(t *testing.T) {
	h := newHarness(t, withDispatcher(nil), Options{})

	path := writeCarrier(t, h.root, "1001", envelope(t, map[string]any{"id": 1, "method": "ping"}))
	h.send(t, path, watch.Create)
	h.finish(t)

	assert.Equal(t, []string{"say pong"}, h.sink.Lines())
	assert.NoDirExists(t, filepath.Join(h.root, "1001"))
	assert.Zero(t, h.srv.Claims().Len())
	assert.Empty(t, h.errorLogs())
}

func TestServeDuplicateEventsDispatchOnce(t *testing.T) {
	h := newHarness(t, withDispatcher(nil), Options{})

	path := writeCarrier(t, h.root, "1001", envelope(t, map[string]any{
		"id": 7, "method": "sum", "params": map[string]any{"a": 2, "b": 3}, "callback": "my:cb",
	}))
	h.send(t, path, watch.Create)
	h.send(t, path, watch.Write)
	h.send(t, path, watch.Write)
	h.finish(t)

	assert.Equal(t, []string{`function my:cb {"result":5}`}, h.sink.Lines())
	assert.NoDirExists(t, filepath.Join(h.root, "1001"))
}

func TestServeWaitsForCompleteCarrier(t *testing.T) {
	h := newHarness(t, withDispatcher(nil), Options{})

	full := envelope(t, map[string]any{"id": 1, "method": "ping"})
	path := writeCarrier(t, h.root, "1002", full[:len(full)/2])
	h.send(t, path, watch.Create)

	require.NoError(t, os.WriteFile(path, full, 0o644))
	h.send(t, path, watch.Write)
	h.finish(t)

	assert.Equal(t, []string{"say pong"}, h.sink.Lines())
	assert.Empty(t, h.errorLogs())
	assert.Equal(t, 1, h.logs.FilterMessage("carrier not ready").Len())
}

func TestServeRejectsMalformedCarrier(t *testing.T) {
	h := newHarness(t, withDispatcher(nil), Options{})

	path := writeCarrier(t, h.root, "1003", envelope(t, map[string]any{"id": 1, "method": "launch"}))
	h.send(t, path, watch.Create)
	h.finish(t)

	assert.Empty(t, h.sink.Lines())
	assert.NoDirExists(t, filepath.Join(h.root, "1003"))

	logged := h.errorLogs()
	require.Len(t, logged, 1)
	assert.Equal(t, "rejected carrier", logged[0].Message)
	assert.Equal(t, "1003", logged[0].ContextMap()["carrier"])
}

func TestServeLogsDispatchFailure(t *testing.T) {
	h := newHarness(t, withDispatcher(nil), Options{})

	path := writeCarrier(t, h.root, "1004", envelope(t, map[string]any{
		"id": 4, "method": "chat", "params": map[string]any{"message": "hi"},
	}))
	h.send(t, path, watch.Create)
	h.finish(t)

	assert.Empty(t, h.sink.Lines())
	assert.NoDirExists(t, filepath.Join(h.root, "1004"))
	logged := h.errorLogs()
	require.Len(t, logged, 1)
	assert.Equal(t, "dispatch failed", logged[0].Message)
	assert.Equal(t, "chat#4", logged[0].ContextMap()["envelope"])
}

func TestServeIgnoresNonCarrierPaths(t *testing.T) {
	h := newHarness(t, withDispatcher(nil), Options{})

	ping := envelope(t, map[string]any{"id": 1, "method": "ping"})

	inRoot := filepath.Join(h.root, DefaultMarker)
	require.NoError(t, os.WriteFile(inRoot, ping, 0o644))
	h.send(t, inRoot, watch.Create)

	other := filepath.Join(h.root, "1005", "data.json")
	writeCarrier(t, h.root, "1005", ping)
	require.NoError(t, os.WriteFile(other, ping, 0o644))
	h.send(t, other, watch.Create)

	outside := filepath.Join(t.TempDir(), "9999", DefaultMarker)
	h.send(t, outside, watch.Create)
	h.finish(t)

	assert.Empty(t, h.sink.Lines())
	assert.FileExists(t, inRoot)
	assert.DirExists(t, filepath.Join(h.root, "1005"))
}

func TestServeCustomMarker(t *testing.T) {
	h := newHarness(t, withDispatcher(nil), Options{Marker: "rpc.json"})

	dir := filepath.Join(h.root, "1006")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "rpc.json")
	require.NoError(t, os.WriteFile(path, envelope(t, map[string]any{"id": 1, "method": "ping"}), 0o644))

	h.send(t, path, watch.Move)
	h.finish(t)

	assert.Equal(t, []string{"say pong"}, h.sink.Lines())
}

func TestServeWorkersSkipClaimedCarrier(t *testing.T) {
	handler := &blockingHandler{started: make(chan string, 4), release: make(chan struct{})}
	h := newHarness(t, func(*recordingSink) Handler { return handler }, Options{Workers: 2})

	path := writeCarrier(t, h.root, "1007", envelope(t, map[string]any{"id": 9, "method": "ping"}))
	h.send(t, path, watch.Create)
	assert.Equal(t, "ping#9", <-handler.started)

	// The directory is gone but the claim is still held; a second event must not dispatch.
	h.send(t, path, watch.Write)
	assert.Equal(t, 1, h.srv.Claims().Len())

	close(handler.release)
	h.finish(t)
	require.NoError(t, h.srv.Shutdown(time.Second))

	assert.Empty(t, handler.started)
	assert.Zero(t, h.srv.Claims().Len())
	assert.Equal(t, 1, h.logs.FilterMessage("carrier already claimed").Len())
}

func TestServeReturnsSourceError(t *testing.T) {
	h := newHarness(t, withDispatcher(nil), Options{})

	h.src.errs <- watch.ErrUnsupported
	select {
	case err := <-h.served:
		assert.True(t, errors.Is(err, watch.ErrUnsupported))
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestShutdownStopsServe(t *testing.T) {
	h := newHarness(t, withDispatcher(nil), Options{})

	require.NoError(t, h.srv.Shutdown(time.Second))
	select {
	case err := <-h.served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	require.NoError(t, h.srv.Shutdown(time.Second))
}

func TestShutdownTimeoutCancelsHandlers(t *testing.T) {
	handler := &blockingHandler{started: make(chan string, 1), release: make(chan struct{})}
	h := newHarness(t, func(*recordingSink) Handler { return handler }, Options{Workers: 2})

	path := writeCarrier(t, h.root, "1008", envelope(t, map[string]any{"id": 1, "method": "ping"}))
	h.send(t, path, watch.Create)
	<-handler.started

	err := h.srv.Shutdown(20 * time.Millisecond)
	require.Error(t, err)

	// abort cancels the handler context, so the worker drains.
	assert.Eventually(t, func() bool { return h.srv.Claims().Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.logs.FilterMessage("dispatch failed").Len())
}

func TestShutdownConcurrentWithIncomingCarriers(t *testing.T) {
	root := t.TempDir()
	handler := NewDispatcher(&recordingSink{}, nil, DispatcherOptions{}, zap.NewNop())
	srv, err := NewServer(root, handler, Options{Workers: 4}, zap.NewNop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				path := filepath.Join(root, fmt.Sprintf("%d-%d", i, j), DefaultMarker)
				srv.accept(watch.Event{Path: path, Op: watch.Create})
			}
		}(i)
	}
	require.NoError(t, srv.Shutdown(time.Second))
	wg.Wait()

	// Nothing is claimed once Shutdown has returned.
	srv.accept(watch.Event{Path: filepath.Join(root, "late", DefaultMarker), Op: watch.Create})
	assert.Zero(t, srv.Claims().Len())
}
