package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

// AdminKeyMiddleware authenticates admin requests using the X-Admin-Key
// header. An empty configured key disables the check (dev mode).
func AdminKeyMiddleware(adminKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if adminKey == "" {
				return next(c)
			}
			key := strings.TrimSpace(c.Request().Header.Get("X-Admin-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing admin key"})
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid admin key"})
			}
			return next(c)
		}
	}
}
