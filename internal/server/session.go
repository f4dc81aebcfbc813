package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/pvrd/internal/config"
	"github.com/jmylchreest/pvrd/internal/version"
)

const (
	prompt        = "pvrd> "
	passwordTries = 3
)

// TCPServer serves the line-oriented command protocol.
type TCPServer struct {
	cfg    config.ServerConfig
	core   *Core
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions chan struct{}
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTCPServer creates the command server.
func NewTCPServer(cfg config.ServerConfig, core *Core) *TCPServer {
	return &TCPServer{
		cfg:      cfg,
		core:     core,
		logger:   slog.Default(),
		sessions: make(chan struct{}, cfg.MaxClients),
	}
}

// WithLogger sets a custom logger.
func (s *TCPServer) WithLogger(logger *slog.Logger) *TCPServer {
	s.logger = logger
	return s
}

// Start begins accepting sessions.
func (s *TCPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("command server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Address(), err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.accept()

	s.logger.Info("command server started",
		slog.String("address", s.cfg.Address()),
		slog.Int("max_clients", s.cfg.MaxClients))
	return nil
}

// Stop closes the listener and waits for sessions to end. Sessions see
// their connection closed rather than being drained gracefully.
func (s *TCPServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.listener.Close()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("command server stopped")
}

func (s *TCPServer) accept() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn("accepting connection", slog.Any("error", err))
			continue
		}

		select {
		case s.sessions <- struct{}{}:
		default:
			fmt.Fprintf(conn, "server busy: %d sessions already connected\n", s.cfg.MaxClients)
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sessions }()
			s.handle(conn)
		}()
	}
}

// handle runs one session until it exits, idles out, or the server
// closes the connection underneath it.
func (s *TCPServer) handle(conn net.Conn) {
	defer conn.Close()

	sessionID := uuid.NewString()
	logger := s.logger.With(
		slog.String("session", sessionID),
		slog.String("remote", conn.RemoteAddr().String()))
	logger.Info("session opened")
	defer logger.Info("session closed")

	// Sessions also die when the daemon stops.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	reader := bufio.NewReader(conn)

	if s.cfg.RequirePassword {
		if !s.authenticate(conn, reader, logger) {
			return
		}
	}

	fmt.Fprintf(conn, "%s\ntype help for commands\n", version.String())

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ClientIdleTime)); err != nil {
			return
		}
		if _, err := conn.Write([]byte(prompt)); err != nil {
			return
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				fmt.Fprintln(conn, "idle timeout, closing")
			}
			return
		}

		out, quit := s.core.Execute(strings.TrimSpace(line))
		if out != "" {
			fmt.Fprintln(conn, out)
		}
		if quit {
			return
		}
	}
}

// authenticate prompts for the session password. Comparison is constant
// time; three failures or a slow answer close the connection.
func (s *TCPServer) authenticate(conn net.Conn, reader *bufio.Reader, logger *slog.Logger) bool {
	for attempt := 1; attempt <= passwordTries; attempt++ {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.PromptTimeout)); err != nil {
			return false
		}
		if _, err := conn.Write([]byte("password: ")); err != nil {
			return false
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			logger.Warn("password prompt timed out")
			return false
		}
		given := strings.TrimSpace(line)
		if subtle.ConstantTimeCompare([]byte(given), []byte(s.cfg.Password)) == 1 {
			return true
		}
		logger.Warn("password rejected", slog.Int("attempt", attempt))
	}
	fmt.Fprintln(conn, "too many failed attempts")
	return false
}
