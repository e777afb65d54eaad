// Package api exposes the session manager over HTTP for presentation clients.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"XEWatch/internal/journal"
	"XEWatch/internal/manager"
	"XEWatch/internal/pool"
	"XEWatch/internal/session"
	"XEWatch/internal/xevent"
)

// ConnectionResolver maps a connection profile name to its descriptor.
type ConnectionResolver func(name string) (pool.Descriptor, bool)

// Historian reads journaled events. *journal.Journal implements it.
type Historian interface {
	History(ctx context.Context, name string, limit int) ([]journal.Entry, error)
}

// Handler handles HTTP requests.
type Handler struct {
	manager     *manager.Manager
	connections ConnectionResolver
	history     Historian
	stream      *Stream
	logger      *slog.Logger
}

// NewHandler creates a new handler. history may be nil when the journal is
// disabled.
func NewHandler(m *manager.Manager, connections ConnectionResolver, history Historian, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		manager:     m,
		connections: connections,
		history:     history,
		stream:      NewStream(logger),
		logger:      logger,
	}
	m.Subscribe(h.stream.Publish)
	return h
}

// Stream returns the live update hub.
func (h *Handler) Stream() *Stream { return h.stream }

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	v1 := e.Group("/v1")
	v1.GET("/templates", h.ListTemplates)
	v1.GET("/sessions", h.ListSessions)
	v1.POST("/sessions", h.CreateSession)
	v1.GET("/sessions/:name", h.GetSession)
	v1.DELETE("/sessions/:name", h.DropSession)
	v1.POST("/sessions/:name/start", h.lifecycle(h.manager.Start))
	v1.POST("/sessions/:name/pause", h.lifecycle(h.manager.Pause))
	v1.POST("/sessions/:name/resume", h.lifecycle(h.manager.Resume))
	v1.POST("/sessions/:name/stop", h.lifecycle(h.manager.Stop))
	v1.POST("/sessions/:name/reconnect", h.lifecycle(h.manager.Reconnect))
	v1.POST("/sessions/:name/clear", h.ClearSession)
	v1.GET("/sessions/:name/history", h.SessionHistory)
	v1.GET("/stream", h.stream.Serve)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "healthy",
		"sessions": len(h.manager.List()),
	})
}

func (h *Handler) ListTemplates(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Templates())
}

func (h *Handler) ListSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.List())
}

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	Connection string `json:"connection"`
	Name       string `json:"name"`
	Template   string `json:"template"`
}

func (h *Handler) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Connection == "" || req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "connection and name are required"})
	}
	if req.Template == "" {
		req.Template = "Standard"
	}

	desc, ok := h.connections(req.Connection)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown connection: " + req.Connection})
	}

	snap, err := h.manager.Create(c.Request().Context(), desc, req.Name, req.Template)
	if err != nil {
		return h.fail(c, "create", req.Name, err)
	}
	return c.JSON(http.StatusCreated, snap)
}

// GetSession returns a session with its events, optionally filtered by
// event name (event, comma separated), free text (q) and database name.
func (h *Handler) GetSession(c echo.Context) error {
	snap, err := h.manager.Get(c.Param("name"))
	if err != nil {
		return h.fail(c, "get", c.Param("name"), err)
	}

	filter := xevent.Filter{
		Text:     c.QueryParam("q"),
		Database: c.QueryParam("database"),
	}
	if ev := c.QueryParam("event"); ev != "" {
		for _, name := range strings.Split(ev, ",") {
			if name = strings.TrimSpace(name); name != "" {
				filter.Events = append(filter.Events, name)
			}
		}
	}
	snap.Events = filter.Apply(snap.Events)
	if snap.Events == nil {
		snap.Events = []xevent.Event{}
	}
	return c.JSON(http.StatusOK, snap)
}

// lifecycle adapts a manager operation to a handler that answers with the
// session's new snapshot.
func (h *Handler) lifecycle(op func(ctx context.Context, name string) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		name := c.Param("name")
		if err := op(c.Request().Context(), name); err != nil {
			return h.fail(c, lastSegment(c.Path()), name, err)
		}
		snap, err := h.manager.Get(name)
		if err != nil {
			return h.fail(c, "get", name, err)
		}
		snap.Events = nil
		return c.JSON(http.StatusOK, snap)
	}
}

func (h *Handler) DropSession(c echo.Context) error {
	name := c.Param("name")
	if err := h.manager.Drop(c.Request().Context(), name); err != nil {
		return h.fail(c, "drop", name, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "dropped", "name": name})
}

func (h *Handler) ClearSession(c echo.Context) error {
	name := c.Param("name")
	n, err := h.manager.Clear(name)
	if err != nil {
		return h.fail(c, "clear", name, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"name": name, "cleared": n})
}

func (h *Handler) SessionHistory(c echo.Context) error {
	if h.history == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "journal disabled"})
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = n
	}

	entries, err := h.history.History(c.Request().Context(), c.Param("name"), limit)
	if err != nil {
		h.logger.Error("failed to read history", "session", c.Param("name"), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read history"})
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) fail(c echo.Context, op, name string, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("session operation failed", "op", op, "session", name, "error", err)
	} else {
		h.logger.Info("session operation rejected", "op", op, "session", name, "error", err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrDuplicateSession),
		errors.Is(err, session.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, session.ErrRemoteCommandFailed),
		errors.Is(err, session.ErrSessionCreationFailed),
		errors.Is(err, session.ErrReconnectFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
