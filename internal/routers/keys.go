package routers

import (
	"prism-api/internal/handlers/keys"

	"github.com/labstack/echo/v4"
)

func RegisterKeyRoutes(e *echo.Group, h *keys.Handler) {
	e.POST("/api-keys", h.HandlePush)
}
