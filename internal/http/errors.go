package http

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/tkhasanov/newsletter-engine/internal/errs"
	"github.com/tkhasanov/newsletter-engine/internal/filter"
)

// writeError maps service errors onto HTTP responses. Validation problems
// (including the retired filter keywords) are 422: the request was readable
// but names something the system refuses to act on.
func writeError(c echo.Context, err error) error {
	var (
		verr *errs.ValidationError
		bre  *errs.BadRequestError
		hle  *errs.HostLimitError
	)
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": verr.Msg})
	case errors.Is(err, filter.ErrUnexpectedValue), errors.Is(err, filter.ErrEmptyAudience):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.As(err, &bre):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": bre.Msg})
	case errors.As(err, &hle):
		return c.JSON(http.StatusForbidden, map[string]string{
			"error":    hle.Msg,
			"resource": hle.Resource,
		})
	default:
		log.Errorf("request failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
