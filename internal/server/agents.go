package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/council/internal/catalog"
)

type AgentsHandler struct {
	Catalog *catalog.Catalog
}

func (h *AgentsHandler) Register(g *echo.Group) {
	g.GET("/agents", h.list)
}

// list never fails: an unreachable upstream yields the configured council.
func (h *AgentsHandler) list(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Catalog.Models(c.Request().Context()))
}
