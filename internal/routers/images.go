package routers

import (
	"prism-api/internal/handlers/images"

	"github.com/labstack/echo/v4"
)

func RegisterImageRoutes(e *echo.Group, svc *images.Service) {
	e.POST("/v1/images/generations", svc.HandleGenerations)
	e.POST("/sdapi/v1/txt2img", svc.HandleTxt2Img)
}
