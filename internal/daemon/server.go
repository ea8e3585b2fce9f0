package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/fixmate/fixsync/internal/api"
	"github.com/fixmate/fixsync/internal/session"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Server manages the control API lifecycle for a session daemon. It serves
// HTTP over the session's Unix domain socket.
type Server struct {
	echo       *echo.Echo
	socketPath string
	logger     *zap.Logger
}

// NewServer creates the control server bound to the session's Unix domain
// socket.
func NewServer(p Params, logger *zap.Logger, handler *api.Handler) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Only the owning user may talk to the daemon.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Listener = listener
	handler.Register(e)

	return &Server{
		echo:       e,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving control requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	if err := s.echo.Start(""); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown error", zap.Error(err))
	}
	_ = os.Remove(s.socketPath)
}
