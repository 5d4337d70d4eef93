// Package listener implements the proxy's accept loop: it binds the
// fixed TCP port, hands every accepted connection to the MITM Bridge on
// its own goroutine, and bounds concurrency to a configurable ceiling.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// DefaultAddr is the fixed bind address the proxy listens on.
	DefaultAddr = "0.0.0.0:58080"
	// DefaultMaxConns bounds in-flight connection handlers.
	DefaultMaxConns = 4096

	shutdownGrace = 5 * time.Second
)

// Handler processes one accepted connection to completion. It owns the
// connection's lifetime and must close it before returning.
type Handler func(ctx context.Context, conn net.Conn)

// Server accepts connections on a single TCP listener and dispatches
// each to Handler on its own goroutine.
type Server struct {
	Addr     string
	MaxConns int
	Handler  Handler
	Logger   *slog.Logger

	mu      sync.Mutex
	ln      net.Listener
	sem     chan struct{}
	wg      sync.WaitGroup
	closing bool
	conns   map[net.Conn]struct{}
}

// New returns a Server bound to addr (DefaultAddr if empty) with
// maxConns in-flight connections (DefaultMaxConns if zero).
func New(addr string, maxConns int, handler Handler) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	return &Server{
		Addr:     addr,
		MaxConns: maxConns,
		Handler:  handler,
		Logger:   slog.Default().With("component", "listener"),
		sem:      make(chan struct{}, maxConns),
		conns:    make(map[net.Conn]struct{}),
	}
}

// BoundAddr returns the address the listener is actually bound to once
// ListenAndServe has started (useful when Addr used a ":0" ephemeral
// port), or the empty string before that.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// ListenAndServe binds the listener and accepts connections until
// Shutdown is called or the listener errors. It blocks.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listener: bind %s: %w", s.Addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.Logger.Info("listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.Logger.Error("accept failed", "error", err)
			continue
		}

		s.sem <- struct{}{}
		s.wg.Add(1)
		s.trackConn(conn)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer s.untrackConn(conn)
			s.Handler(context.Background(), conn)
		}()
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Shutdown stops accepting new connections, closes the listener, and
// waits up to shutdownGrace (or ctx's deadline, whichever is sooner) for
// in-flight handlers to finish before returning. Handlers still running
// past the grace period have their connections force-closed, which
// unblocks the handler's next read/write so its goroutine can exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	graceCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	select {
	case <-done:
		return nil
	case <-graceCtx.Done():
		s.Logger.Warn("shutdown grace period elapsed, force-closing remaining connections")
		s.closeTrackedConns()
		<-done
		return graceCtx.Err()
	}
}

// closeTrackedConns force-closes every connection still in flight. Each
// handler's deferred conn.Close (and untrackConn) still runs normally;
// this only unblocks whatever read or write it was parked on.
func (s *Server) closeTrackedConns() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
