package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/sentinel-agent/alertflow/internal/errors"
)

// APIKeyHeader carries the control API key.
const APIKeyHeader = "X-API-Key"

// GenerateAPIKey creates a new random API key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(b), nil
}

// HashAPIKey returns the bcrypt hash stored as web.api_key_hash.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// requireAPIKey checks X-API-Key against the configured hash. Websocket
// clients, which cannot set headers from a browser, may pass api_key as a
// query parameter. An empty hash disables the check.
func (s *Server) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.APIKeyHash == "" {
			return next(c)
		}
		key := c.Request().Header.Get(APIKeyHeader)
		if key == "" {
			key = c.QueryParam("api_key")
		}
		if key == "" {
			return writeAPIError(c, http.StatusUnauthorized, apperrors.ErrAuth, "Missing X-API-Key header")
		}
		if bcrypt.CompareHashAndPassword([]byte(s.cfg.APIKeyHash), []byte(key)) != nil {
			return writeAPIError(c, http.StatusForbidden, apperrors.ErrInvalidCreds, "Invalid API key")
		}
		return next(c)
	}
}
