// Package setup server
package setup

import (
	"errors"

	"prism-api/internal/shared"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type Context struct {
	echo.Context
	Log   *zap.SugaredLogger
	Reqid string
}

// JSONError renders err as the API's error body. Errors carrying a
// RequestError keep their status and message; anything else collapses to a
// generic 500 so internal detail never reaches the client.
func (c *Context) JSONError(err error) error {
	var rerr *shared.RequestError
	if !errors.As(err, &rerr) {
		rerr = shared.ErrInternalServerError
	}
	if rerr.StatusCode >= 500 {
		c.Log.Errorw("request failed", "error", err.Error())
	}
	return c.JSON(rerr.StatusCode, shared.OpenAIError{
		Message: rerr.Err.Error(),
		Object:  "error",
		Type:    errorType(rerr.StatusCode),
		Code:    rerr.StatusCode,
	})
}

func errorType(status int) string {
	switch status {
	case 400:
		return "BadRequest"
	case 401:
		return "AuthenticationError"
	case 404:
		return "NotFound"
	default:
		return "InternalError"
	}
}
