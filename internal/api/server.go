package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/sinosply/edge/internal/cache"
	"github.com/sinosply/edge/internal/chat"
	"github.com/sinosply/edge/internal/session"
	"github.com/sinosply/edge/internal/store"
)

// Chat is the slice of the chat client the control plane drives.
type Chat interface {
	Status() chat.Status
	SessionID() string
	Identity() session.Identity
	SetIdentity(session.Identity) error
	SendMessage(text string) (*store.Message, error)
	InputChanged(text string)
	SetWidgetOpen(open bool) error
	UploadFiles(files []chat.File) ([]*store.Message, []chat.Rejection)
	DismissUploadError()
}

// Server exposes the daemon's control API over a unix socket. edgectl is
// the only intended client.
type Server struct {
	app    *fiber.App
	chat   Chat
	db     *store.DB
	caches *cache.Registry
	logger *zap.Logger
	socket string
}

// NewServer wires the routes. Call Start to begin serving.
func NewServer(ch Chat, db *store.DB, caches *cache.Registry, logger *zap.Logger, socketPath string) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			BodyLimit:             64 << 20,
		}),
		chat:   ch,
		db:     db,
		caches: caches,
		logger: logger,
		socket: socketPath,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.app.Group("/v1")

	v1.Get("/status", s.handleStatus)

	v1.Get("/messages", s.handleListMessages)
	v1.Post("/messages", s.handleSendMessage)
	v1.Post("/typing", s.handleTyping)
	v1.Post("/widget", s.handleWidget)

	v1.Post("/uploads", s.handleUpload)
	v1.Delete("/uploads/error", s.handleDismissUploadError)

	v1.Get("/identity", s.handleGetIdentity)
	v1.Put("/identity", s.handleSetIdentity)

	v1.Get("/catalog", s.handleCollections)
	v1.Get("/catalog/:collection", s.handleCatalogList)
	v1.Post("/catalog/:collection", s.handleCatalogCreate)
	v1.Get("/catalog/:collection/:id", s.handleCatalogGet)
	v1.Put("/catalog/:collection/:id", s.handleCatalogUpdate)
	v1.Delete("/catalog/:collection/:id", s.handleCatalogDelete)
}

// Start listens on the unix socket. A stale socket file from a crashed
// daemon is removed first; the flock in the session dir guarantees no
// live daemon owns it.
func (s *Server) Start() error {
	if err := os.Remove(s.socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socket, err)
	}
	if err := os.Chmod(s.socket, 0600); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	go func() {
		if err := s.app.Listener(ln); err != nil {
			s.logger.Error("control api stopped", zap.Error(err))
		}
	}()
	s.logger.Info("control api listening", zap.String("socket", s.socket))
	return nil
}

// Stop shuts the server down and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	_ = os.Remove(s.socket)
	return err
}
