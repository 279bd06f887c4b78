// Package routers wires the gateway's routes to their handlers. The proxy
// wildcard must register last so the named routes win.
package routers

import (
	"prism-api/internal/handlers/images"
	"prism-api/internal/handlers/keys"
	"prism-api/internal/handlers/proxy"

	"github.com/labstack/echo/v4"
)

type Deps struct {
	Proxy  *proxy.Engine
	Images *images.Service
	Keys   *keys.Handler
}

func Register(e *echo.Group, deps Deps) {
	if deps.Keys != nil {
		RegisterKeyRoutes(e, deps.Keys)
	}
	RegisterImageRoutes(e, deps.Images)
	RegisterProxyRoutes(e, deps.Proxy)
}
