package handler

import (
	"log/slog"

	"github.com/labstack/echo/v4"
)

// ProxyHandler feeds accepted requests into shared proxy sessions.
type ProxyHandler struct {
	registry *Registry
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(registry *Registry, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		registry: registry,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle wraps the request in a client session, attaches it to a proxy
// session, and pumps the response until the session lets the client go.
func (h *ProxyHandler) Handle(c echo.Context) error {
	cs := newClientSession(c, h.logger)

	if err := h.registry.Dispatch(cs); err != nil {
		h.logger.Error("dispatch failed", "err", err, "path", c.Request().URL.Path)
		return echo.NewHTTPError(503, "no session available")
	}

	return cs.Wait()
}
