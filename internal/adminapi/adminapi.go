// Package adminapi is a read-only HTTP operator surface: health, registered
// and online user counts, and per-user existence/presence lookups. It never
// touches message payloads, public keys, or file contents — purely
// operational, and off by default. Grounded on the teacher's Echo wiring
// (api.go / internal/httpapi): middleware.Recover(), a slog/log request
// logger, and a ctx-driven Run/Shutdown pair.
package adminapi

import (
	"context"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"retroserver/internal/directory"
)

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// Status is what GET /api/status reports.
type Status struct {
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Registered     int     `json:"registered_users"`
	Online         int     `json:"online_users"`
	TLSFingerprint string  `json:"tls_fingerprint"`
	ChatEnabled    bool    `json:"chat_enabled"`
	FileServerOn   bool    `json:"fileserver_enabled"`
	AudioServerOn  bool    `json:"audioserver_enabled"`
}

// Server is the AdminAPI component.
type Server struct {
	echo      *echo.Echo
	directory *directory.Directory
	startedAt time.Time

	fingerprint   string
	fileServerOn  bool
	audioServerOn bool

	// ShutdownGrace bounds how long Run waits for in-flight requests to
	// drain after ctx is canceled. Defaults to 5s; callers may override
	// it before calling Run.
	ShutdownGrace time.Duration
}

// New constructs the Echo application and registers its routes.
func New(dir *directory.Directory, fingerprint string, fileServerOn, audioServerOn bool) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{
		echo:          e,
		directory:     dir,
		startedAt:     time.Now(),
		fingerprint:   fingerprint,
		fileServerOn:  fileServerOn,
		audioServerOn: audioServerOn,
		ShutdownGrace: 5 * time.Second,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/status", s.handleStatus)
	s.echo.GET("/api/users/:hex", s.handleUserLookup)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) handleStatus(c echo.Context) error {
	registered, online, err := s.directory.Stats()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, Status{
		UptimeSeconds:  time.Since(s.startedAt).Seconds(),
		Registered:     registered,
		Online:         online,
		TLSFingerprint: s.fingerprint,
		ChatEnabled:    true,
		FileServerOn:   s.fileServerOn,
		AudioServerOn:  s.audioServerOn,
	})
}

type userLookupResponse struct {
	Exists bool `json:"exists"`
	Online bool `json:"online"`
}

func (s *Server) handleUserLookup(c echo.Context) error {
	hexID := c.Param("hex")
	raw, err := decodeHex(hexID)
	if err != nil || len(raw) != 8 {
		return echo.NewHTTPError(http.StatusBadRequest, "userid must be 16 hex characters")
	}
	id, err := directory.ParseUserId(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	status := s.directory.UserStatus(id)
	return c.JSON(http.StatusOK, userLookupResponse{
		Exists: status != directory.StatusUnknown,
		Online: status == directory.StatusOnline,
	})
}

// Run starts the admin API and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownGrace)
		defer cancel()
		return s.echo.Shutdown(shutCtx)
	}
}
