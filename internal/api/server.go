package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/agentrelay/internal/store"
)

// Server represents the API server
type Server struct {
	echo          *echo.Echo
	port          int
	webhookSecret string
	orchestrator  *Orchestrator
	threads       *store.Service
}

// NewServer creates a new API server
func NewServer(port int, webhookSecret string, orchestrator *Orchestrator, threads *store.Service) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	server := &Server{
		echo:          e,
		port:          port,
		webhookSecret: webhookSecret,
		orchestrator:  orchestrator,
		threads:       threads,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	s.echo.POST("/webhooks/github", s.GitHubWebhookHandler)

	// API v1 group
	v1 := s.echo.Group("/api/v1")

	v1.GET("/conversations", s.listConversations)
	v1.GET("/threads/:id", s.getThread)
	v1.GET("/threads/:id/events", s.getThreadEvents)
	v1.POST("/threads/:id/stop", s.stopThread)
}

// Start begins the API server
func (s *Server) Start() error {
	// Start server in a goroutine
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			s.echo.Logger.Fatal("shutting down the server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

func (s *Server) listConversations(c echo.Context) error {
	conversations, err := s.threads.Store().ListConversations(c.Request().Context(), 100)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": conversations})
}

func (s *Server) getThread(c echo.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	thread, err := s.threads.Store().GetThread(c.Request().Context(), id)
	if err != nil {
		return threadError(c, err)
	}
	refs, err := s.threads.Store().ListRefs(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"thread": thread, "refs": refs})
}

func (s *Server) getThreadEvents(c echo.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	includeCompacted := c.QueryParam("include_compacted") == "true"
	evs, err := s.threads.Store().ListEvents(c.Request().Context(), id, includeCompacted)
	if err != nil {
		return threadError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) stopThread(c echo.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	thread, err := s.threads.Store().GetThread(c.Request().Context(), id)
	if err != nil {
		return threadError(c, err)
	}
	if thread.ConversationID == nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": "thread has no conversation"})
	}
	cancelled, err := s.orchestrator.StopConversation(c.Request().Context(), *thread.ConversationID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "stopped", "cancelled_run": cancelled})
}

func threadError(c echo.Context, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "thread not found"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
