package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// StartAsync starts serving in a goroutine. The returned channel receives
// nil once the listener is bound, or the error that prevented it (for
// example, the port is in use).
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}
	s.addr = ln.Addr().String()

	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		s.log.Info().Str("addr", s.addr).Msg("Server listening")
		errCh <- nil
		close(errCh)

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Server error")
		}
	}()
	return errCh
}

// Stop closes every client connection, stops the assistant and the HTTP
// server, and stops all sandboxes. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for client := range s.clients {
		client.closeSend()
	}
	srv := s.httpServer
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	if s.mediator != nil {
		s.mediator.Close()
	}
	s.sandbox.Close()
	return err
}
