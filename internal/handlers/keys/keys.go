// Package keys receives signed credential pushes from the authority.
package keys

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"prism-api/internal/keystore"
	"prism-api/internal/setup"
	"prism-api/internal/shared"
	"prism-api/internal/signing"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

var (
	ErrMissingFields = &shared.RequestError{Err: errors.New("body must include data and signature"), StatusCode: 400}
	ErrBadPayload    = &shared.RequestError{Err: errors.New("signed payload is not valid JSON"), StatusCode: 400}
)

// Handler verifies pushed key payloads and merges them into the keystore.
// The signature is the authorization; the route carries no bearer token.
type Handler struct {
	Log      *zap.SugaredLogger
	Keys     *keystore.Store
	Verifier *signing.Verifier
}

func NewHandler(keys *keystore.Store, verifier *signing.Verifier, log *zap.SugaredLogger) *Handler {
	return &Handler{Log: log, Keys: keys, Verifier: verifier}
}

type pushRequest struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

type pushResponse struct {
	Status       string `json:"status"`
	KeysReceived int    `json:"keys_received"`
}

func (h *Handler) HandlePush(cc echo.Context) error {
	c := cc.(*setup.Context)

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		c.Log.Errorw("failed to read request body", "error", err)
		return c.JSONError(errors.Join(shared.ErrInvalidRequest, err))
	}
	var req pushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return c.JSONError(errors.Join(shared.ErrInvalidRequest, err))
	}
	if req.Data == "" || req.Signature == "" {
		return c.JSONError(ErrMissingFields)
	}

	payload, err := h.Verifier.Verify(req.Data, req.Signature)
	if err != nil {
		c.Log.Warnw("rejected key push", "error", err)
		return c.JSONError(&shared.RequestError{StatusCode: 400, Err: err})
	}

	var decoded struct {
		Keys []string `json:"keys"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return c.JSONError(errors.Join(ErrBadPayload, err))
	}

	h.Keys.Add(decoded.Keys)
	c.Log.Infow("merged pushed keys", "count", len(decoded.Keys))
	return c.JSON(http.StatusOK, pushResponse{Status: "success", KeysReceived: len(decoded.Keys)})
}
