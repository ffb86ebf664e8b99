package http

import (
	"net/http"

	echo "github.com/labstack/echo/v4"

	"github.com/tkhasanov/newsletter-engine/internal/service/emails"
)

// unsubscribeHandler serves the public one-click unsubscribe link embedded in
// outgoing emails. GET and POST behave the same so both mail-client preview
// fetches and real clicks land somewhere sensible.
func unsubscribeHandler(svc *emails.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		m, err := svc.UnsubscribeByUUID(c.Request().Context(), c.QueryParam("uuid"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"unsubscribed": true,
			"email":        m.Email,
		})
	}
}
