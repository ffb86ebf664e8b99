package http

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"

	"github.com/tkhasanov/newsletter-engine/internal/model"
	"github.com/tkhasanov/newsletter-engine/internal/repository"
	"github.com/tkhasanov/newsletter-engine/internal/service/emails"
)

type createEmailReq struct {
	RecipientFilter string `json:"recipient_filter"`
	Importing       bool   `json:"importing"`
}

// createEmailHandler creates (or returns) the dispatch record for a post.
func createEmailHandler(posts repository.PostsRepository, svc *emails.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createEmailReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		post, err := posts.GetByID(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		if post == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "post not found"})
		}
		if post.Status != model.PostPublished {
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "post is not published"})
		}

		e, err := svc.AddEmail(c.Request().Context(), post, emails.Options{
			RecipientFilter: strings.TrimSpace(req.RecipientFilter),
			Importing:       req.Importing,
		})
		if err != nil {
			return writeError(c, err)
		}
		if e == nil {
			return c.JSON(http.StatusOK, map[string]any{
				"email":   nil,
				"message": "no members match the recipient filter",
			})
		}
		return c.JSON(http.StatusCreated, map[string]any{"email": e})
	}
}

func getEmailHandler(emailsRepo repository.EmailsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		e, err := emailsRepo.GetByID(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		if e == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "email not found"})
		}
		return c.JSON(http.StatusOK, map[string]any{"email": e})
	}
}

func retryEmailHandler(svc *emails.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		e, err := svc.RetryFailedEmail(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"email": e})
	}
}

type testEmailReq struct {
	PostID  string   `json:"post_id"`
	Emails  []string `json:"emails"`
	Segment string   `json:"segment"`
}

func testEmailHandler(posts repository.PostsRepository, svc *emails.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req testEmailReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		post, err := posts.GetByID(c.Request().Context(), strings.TrimSpace(req.PostID))
		if err != nil {
			return writeError(c, err)
		}
		if post == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "post not found"})
		}

		if err := svc.SendTestEmail(c.Request().Context(), post, req.Emails, strings.TrimSpace(req.Segment)); err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "sent"})
	}
}

// statsHandler reads live per-email counts from the events store alongside
// the last persisted snapshot.
func statsHandler(emailsRepo repository.EmailsRepository, events repository.CHEventsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		e, err := emailsRepo.GetByID(ctx, c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		if e == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "email not found"})
		}

		counts, err := events.CountsByEmail(ctx, e.ID)
		if err != nil {
			c.Logger().Errorf("clickhouse counts failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"email_id":    e.ID,
			"status":      e.Status,
			"email_count": e.EmailCount,
			"delivered":   counts.Delivered,
			"opened":      counts.Opened,
			"failed":      counts.Failed,
		})
	}
}
