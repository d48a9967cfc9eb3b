// Package server implements the watch loop that turns carrier directories into dispatched
// commands.
//
// Processing pipeline for one filesystem event:
//
//	event → marker name? → carrier id (base name of the marker's directory)
//	  → ClaimSet.Claim (skip if already in flight)
//	  → Reader.Load (not ready yet: skip quietly, wait for the next event)
//	  → remove carrier directory (the only acknowledgment)
//	  → Reader.Validate (schema mismatch: log, drop)
//	  → Dispatcher.Dispatch → handler → Outbound.Write
//	  → ClaimSet.Release (always, via defer)
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"datapack-rpc/codec"
	"datapack-rpc/message"
	"datapack-rpc/watch"
)

// DefaultMarker is the file name that announces a carrier.
const DefaultMarker = "pack.mcmeta"

// Source delivers filesystem events in arrival order. watch.Watcher implements it.
type Source interface {
	Events() <-chan watch.Event
	Errors() <-chan error
}

// Handler dispatches one validated envelope. *Dispatcher implements it.
type Handler interface {
	Dispatch(ctx context.Context, env *message.Envelope) error
}

type Options struct {
	Marker string // defaults to DefaultMarker

	// Workers bounds how many carriers are processed at once. 1 (the default) handles
	// events strictly one after another, so commands from distinct carriers follow event
	// order. Larger values overlap slow handlers such as chat.
	Workers int
}

// Server is the watch loop.
type Server struct {
	root    string
	marker  string
	reader  *codec.Reader
	claims  *ClaimSet
	handler Handler
	logger  *zap.Logger

	sem chan struct{} // nil when processing inline

	// mu orders wg.Add in accept against wg.Wait in Shutdown: once shutdown is set under mu,
	// no further carrier is added.
	mu       sync.Mutex
	wg       sync.WaitGroup // Tracks in-flight carriers for graceful shutdown
	shutdown bool
	done     chan struct{} // closed by Shutdown; stops Serve
	stopOnce sync.Once

	// Handlers run under workCtx rather than Serve's ctx so an interrupted loop still lets
	// in-flight carriers finish; abort cancels them once Shutdown gives up waiting.
	workCtx context.Context
	abort   context.CancelFunc
}

// NewServer creates a watch loop for carriers below root.
func NewServer(root string, handler Handler, opts Options, logger *zap.Logger) (*Server, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	marker := opts.Marker
	if marker == "" {
		marker = DefaultMarker
	}
	workCtx, abort := context.WithCancel(context.Background())

	s := &Server{
		root:    absRoot,
		marker:  marker,
		reader:  codec.NewReader(),
		claims:  NewClaimSet(),
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
		workCtx: workCtx,
		abort:   abort,
	}
	if opts.Workers > 1 {
		s.sem = make(chan struct{}, opts.Workers)
	}
	return s, nil
}

// Claims exposes the in-flight claim set.
func (s *Server) Claims() *ClaimSet {
	return s.claims
}

// Serve consumes events from src until ctx is done, Shutdown is called, or the source
// closes its event channel, all of which return nil. A source error is returned as is:
// the watch is gone and the caller should treat it as fatal.
func (s *Server) Serve(ctx context.Context, src Source) error {
	s.logger.Info("watch loop started", zap.String("root", s.root), zap.String("marker", s.marker))
	defer s.logger.Info("watch loop stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case err := <-src.Errors():
			if err == nil {
				continue
			}
			return fmt.Errorf("watch source: %w", err)
		case ev, ok := <-src.Events():
			if !ok {
				// The source may have stopped because of an error it reported just before.
				select {
				case err := <-src.Errors():
					if err != nil {
						return fmt.Errorf("watch source: %w", err)
					}
				default:
				}
				return nil
			}
			s.accept(ev)
		}
	}
}

// accept filters one event and, if it names an unclaimed carrier, processes it inline or
// on a worker.
func (s *Server) accept(ev watch.Event) {
	id, dir, ok := s.carrier(ev.Path)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	if !s.claims.Claim(id) {
		s.mu.Unlock()
		s.logger.Debug("carrier already claimed", zap.String("carrier", id), zap.Stringer("op", ev.Op))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	if s.sem == nil {
		defer s.wg.Done()
		s.process(id, dir, ev.Path)
		return
	}

	select {
	case s.sem <- struct{}{}:
	case <-s.done:
		s.claims.Release(id)
		s.wg.Done()
		return
	}
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		s.process(id, dir, ev.Path)
	}()
}

// carrier resolves a marker path to its carrier id and directory. Paths that are not the
// marker, sit directly in root, or fall outside root are rejected: removing their
// directory would delete the root or something the loop does not own.
func (s *Server) carrier(path string) (id, dir string, ok bool) {
	if filepath.Base(path) != s.marker {
		return "", "", false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", "", false
	}
	dir = filepath.Dir(absPath)
	rel, err := filepath.Rel(s.root, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		s.logger.Warn("ignoring marker outside a carrier directory", zap.String("path", path))
		return "", "", false
	}
	return filepath.Base(dir), dir, true
}

// process runs one claimed carrier to completion. The claim is released on every path.
func (s *Server) process(id, dir, path string) {
	defer s.claims.Release(id)
	log := s.logger.With(zap.String("carrier", id))

	raw, err := s.reader.Load(path)
	if err != nil {
		// Expected while the producer is still writing; the next event retries.
		log.Debug("carrier not ready", zap.Error(err))
		return
	}

	if err := os.RemoveAll(dir); err != nil {
		log.Error("failed to consume carrier, not dispatching", zap.String("dir", dir), zap.Error(err))
		return
	}

	env, err := s.reader.Validate(raw)
	if err != nil {
		log.Error("rejected carrier", zap.Error(err))
		return
	}

	log = log.With(zap.Stringer("envelope", env))
	if err := s.handler.Dispatch(s.workCtx, env); err != nil {
		log.Error("dispatch failed", zap.Error(err))
		return
	}
	log.Debug("carrier handled")
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag and stop Serve (no new carriers are claimed)
//  2. Wait for in-flight carriers to finish (with timeout)
//  3. On timeout, cancel the handlers' context
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.done) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.abort()
		return nil
	case <-time.After(timeout):
		s.abort()
		return errors.New("timeout waiting for in-flight carriers to finish")
	}
}
