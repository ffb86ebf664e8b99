package http

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tkhasanov/newsletter-engine/internal/analytics"
	"github.com/tkhasanov/newsletter-engine/internal/config"
	"github.com/tkhasanov/newsletter-engine/internal/events"
	"github.com/tkhasanov/newsletter-engine/internal/http/middleware"
	"github.com/tkhasanov/newsletter-engine/internal/limits"
	"github.com/tkhasanov/newsletter-engine/internal/mailer"
	"github.com/tkhasanov/newsletter-engine/internal/metrics"
	"github.com/tkhasanov/newsletter-engine/internal/renderer"
	"github.com/tkhasanov/newsletter-engine/internal/repository"
	"github.com/tkhasanov/newsletter-engine/internal/service/emails"
)

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB, rds *redis.Client) *Server {
	// repos (MySQL)
	postsRepo := repository.NewPostsRepository(mysqlDB)
	emailsRepo := repository.NewEmailsRepository(mysqlDB)
	batchesRepo := repository.NewBatchesRepository(mysqlDB)
	recipientsRepo := repository.NewRecipientsRepository(mysqlDB)
	membersRepo := repository.NewMembersRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)

	// repos (ClickHouse)
	chEventsRepo := repository.NewCHEventsRepository(clickhouseDB)

	// services
	limitSvc := limits.New(limits.Config{
		EmailsDisabled: cfg.Limits.EmailsDisabled,
		MaxEmails:      cfg.Limits.MaxEmails,
		MaxMembers:     cfg.Limits.MaxMembers,
		EmailsPeriod:   cfg.Limits.EmailsPeriod,
	}, emailsRepo, membersRepo)

	dispatcher := events.NewDispatcher()
	dispatcher.Register(logEmailLifecycle)
	dispatcher.Register(scheduleAnalytics(analytics.NewRedisScheduler(rds), cfg.Analytics.RefreshInterval))

	emailSvc := emails.New(
		repository.NewTxRunner(mysqlDB),
		emailsRepo, batchesRepo, recipientsRepo, membersRepo, outboxRepo,
		limitSvc,
		NewMailerClient(cfg.Mailer),
		renderer.New(),
		dispatcher,
		cfg.Mailer.FromAddress, cfg.Mailer.ReplyTo, cfg.Mailer.TrackOpens,
	)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	adminMW := middleware.AdminKeyMiddleware(cfg.AdminKey)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		RPS:            cfg.RateLimit.RPS,
		KeyPrefix:      "rl:ip:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// admin routes
	v1 := e.Group("/v1", adminMW)
	v1.POST("/posts/:id/emails", createEmailHandler(postsRepo, emailSvc))
	v1.GET("/emails/:id", getEmailHandler(emailsRepo))
	v1.POST("/emails/:id/retry", retryEmailHandler(emailSvc))
	v1.POST("/emails/test", testEmailHandler(postsRepo, emailSvc))
	v1.GET("/emails/:id/stats", statsHandler(emailsRepo, chEventsRepo))

	// public routes (link targets inside sent emails)
	e.GET("/unsubscribe", unsubscribeHandler(emailSvc), rlMW)
	e.POST("/unsubscribe", unsubscribeHandler(emailSvc), rlMW)

	return &Server{e: e}
}

// NewMailerClient builds the transport from config. Shared with the worker
// entrypoint so both processes send through the same provider pool setup.
func NewMailerClient(cfg config.MailerConfig) *mailer.HTTPClient {
	provs := make([]mailer.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		provs = append(provs, mailer.NewHTTPProvider(
			p.Name, p.BaseURL, p.BatchPath, p.APIKey,
			p.TimeoutMs, p.Breaker.FailThreshold, p.Breaker.OpenForMs,
		))
	}
	return mailer.NewHTTPClient(provs, cfg.BatchSize, 2)
}

// scheduleAnalytics registers new and retried emails on the recurring
// analytics refresh schedule. ZAddNX underneath, so re-registering an email
// already on the schedule keeps its slot.
func scheduleAnalytics(sched analytics.Scheduler, interval time.Duration) events.Handler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return func(ctx context.Context, ev events.Event) {
		var id string
		switch e := ev.(type) {
		case events.EmailCreated:
			id = e.Email.ID
		case events.EmailEdited:
			id = e.Email.ID
		default:
			return
		}
		if err := sched.EnsureScheduled(ctx, id, time.Now().Add(interval)); err != nil {
			log.Printf("schedule analytics refresh %s err: %v", id, err)
		}
	}
}

func logEmailLifecycle(ctx context.Context, ev events.Event) {
	switch e := ev.(type) {
	case events.EmailCreated:
		log.Printf("email %s created for post %s (%d recipients)", e.Email.ID, e.Email.PostID, e.Email.EmailCount)
	case events.EmailEdited:
		log.Printf("email %s status %s -> %s", e.Email.ID, e.From, e.To)
	}
}

func (s *Server) Start(addr string) error {
	log.Printf("http: listening on %s", addr)
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
