// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package server accepts RESP connections and serves them against a shared
// in-memory database.
package server

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/minikv/minikv/resp"
	"github.com/minikv/minikv/std"
	"github.com/minikv/minikv/store"
)

// DefaultAddr is where the server binds when the caller does not say
// otherwise.
const DefaultAddr = "127.0.0.1:6379"

const (
	// maxConnections bounds concurrent handlers. Connections beyond the
	// limit sit in the kernel backlog until a permit frees.
	maxConnections = 250

	// accept retry backoff bounds
	acceptBackoffMin = 1 * time.Second
	acceptBackoffMax = 64 * time.Second
)

// Server owns the accept loop. The zero value is ready to use; run it with
// Run, which blocks until the context is canceled or accepting fails for
// good.
type Server struct {
	// Comp wraps every accepted connection in a snappy stream. Clients
	// must enable the matching option.
	Comp bool

	// Quiet suppresses the per-connection open/close messages.
	Quiet bool

	db       store.DB
	sem      *semaphore.Weighted
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// ListenAndServe binds addr and calls Run.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithStack(err)
	}
	return s.Run(ctx, lis)
}

// Run serves connections accepted from lis until ctx is canceled, then
// shuts down gracefully: the listener closes, every live handler is told to
// finish, and Run returns once the last one has. The listener is closed in
// all cases.
func (s *Server) Run(ctx context.Context, lis net.Listener) error {
	s.db = store.NewDB()
	s.sem = semaphore.NewWeighted(maxConnections)
	s.shutdown = make(chan struct{})

	defer s.db.Shutdown()

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- s.acceptLoop(ctx, lis)
	}()

	var err error
	select {
	case err = <-acceptErr:
		// accepting broke down on its own; tear down the handlers anyway
		lis.Close()
	case <-ctx.Done():
		lis.Close()
		// the loop owns wg.Add; it must be gone before the final Wait
		err = <-acceptErr
	}

	close(s.shutdown)
	s.wg.Wait()
	return err
}

// acceptLoop admits one permit per connection and spawns a handler per
// accept. It returns when ctx is canceled or the retry budget is spent.
func (s *Server) acceptLoop(ctx context.Context, lis net.Listener) error {
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil // canceled while waiting for a permit
		}

		conn, err := s.accept(ctx, lis)
		if err != nil {
			s.sem.Release(1)
			return err
		}
		if conn == nil {
			s.sem.Release(1)
			return nil // canceled
		}

		if !s.Quiet {
			log.Println("connection opened:", conn.RemoteAddr())
		}

		var stream net.Conn = conn
		if s.Comp {
			stream = std.NewCompStream(conn)
		}
		h := &handler{
			db:       s.db,
			conn:     resp.NewConn(stream),
			shutdown: s.shutdown,
			done:     make(chan struct{}),
		}

		s.wg.Add(1)
		go func(remote net.Addr) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer stream.Close()

			if err := h.run(); err != nil {
				log.Printf("connection %v: %+v", remote, err)
			}
			if !s.Quiet {
				log.Println("connection closed:", remote)
			}
		}(conn.RemoteAddr())
	}
}

// accept retries transient failures with exponential backoff, 1s doubling
// to 64s. A failure after the 64 second wait is final. A nil, nil return
// means the context was canceled while backing off or the listener closed
// during shutdown.
func (s *Server) accept(ctx context.Context, lis net.Listener) (net.Conn, error) {
	backoff := acceptBackoffMin
	for {
		conn, err := lis.Accept()
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			// the listener was closed by shutdown
			return nil, nil
		}
		if backoff > acceptBackoffMax {
			return nil, errors.Wrap(err, "accept retry budget spent")
		}

		log.Printf("accept: %+v, retrying in %v", err, backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		}
		backoff *= 2
	}
}

// fatal decides whether a handler error deserves a log line. A peer that
// goes away cleanly or mid-frame is routine.
func fatal(err error) error {
	switch errors.Cause(err) {
	case nil, io.EOF, resp.ErrReset:
		return nil
	}
	return err
}
