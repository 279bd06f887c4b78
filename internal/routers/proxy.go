package routers

import (
	"prism-api/internal/handlers/proxy"

	"github.com/labstack/echo/v4"
)

// RegisterProxyRoutes claims the model listing, the per-model metrics
// relay, and every POST no other route matched. Echo prefers static routes
// over the wildcard, so the image and key routes stay reachable.
func RegisterProxyRoutes(e *echo.Group, engine *proxy.Engine) {
	e.GET("/models", engine.HandleListModels)
	e.GET("/metrics/:model", engine.HandleModelMetrics)
	e.POST("/*", engine.HandleCompletion)
}
