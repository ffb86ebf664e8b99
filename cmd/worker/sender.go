package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tkhasanov/newsletter-engine/internal/analytics"
	"github.com/tkhasanov/newsletter-engine/internal/config"
	"github.com/tkhasanov/newsletter-engine/internal/db"
	"github.com/tkhasanov/newsletter-engine/internal/events"
	httpSrv "github.com/tkhasanov/newsletter-engine/internal/http"
	"github.com/tkhasanov/newsletter-engine/internal/kafka"
	"github.com/tkhasanov/newsletter-engine/internal/limits"
	"github.com/tkhasanov/newsletter-engine/internal/logger"
	"github.com/tkhasanov/newsletter-engine/internal/metrics"
	"github.com/tkhasanov/newsletter-engine/internal/renderer"
	"github.com/tkhasanov/newsletter-engine/internal/repository"
	"github.com/tkhasanov/newsletter-engine/internal/service/emails"
	"github.com/tkhasanov/newsletter-engine/internal/worker"
)

var senderCmd = &cobra.Command{
	Use:   "sender",
	Short: "Run the email send-job worker",
	RunE:  runSender,
}

func runSender(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		PingTimeout:     cfg.MySQL.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	rds, err := db.NewRedisClient(db.RedisOpts{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer func() { _ = rds.Close() }()

	// repositories
	emailsRepo := repository.NewEmailsRepository(dbx)
	batchesRepo := repository.NewBatchesRepository(dbx)
	recipientsRepo := repository.NewRecipientsRepository(dbx)
	membersRepo := repository.NewMembersRepository(dbx)
	outboxRepo := repository.NewOutboxRepository(dbx)

	limitSvc := limits.New(limits.Config{
		EmailsDisabled: cfg.Limits.EmailsDisabled,
		MaxEmails:      cfg.Limits.MaxEmails,
		MaxMembers:     cfg.Limits.MaxMembers,
		EmailsPeriod:   cfg.Limits.EmailsPeriod,
	}, emailsRepo, membersRepo)

	mailClient := httpSrv.NewMailerClient(cfg.Mailer)
	if mailClient.BatchSize() <= 0 {
		return fmt.Errorf("invalid mailer batch size")
	}

	svc := emails.New(
		repository.NewTxRunner(dbx),
		emailsRepo, batchesRepo, recipientsRepo, membersRepo, outboxRepo,
		limitSvc, mailClient, renderer.New(), events.NewDispatcher(),
		cfg.Mailer.FromAddress, cfg.Mailer.ReplyTo, cfg.Mailer.TrackOpens,
	)

	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "nleng-sender"
	}
	consumer := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          emails.SendTopic,
		GroupID:        groupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer consumer.Close()

	sched := analytics.NewRedisScheduler(rds)
	w := worker.NewSender(consumer, svc, sched, cfg.Analytics.RefreshInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf(">> sender started topic=%s group=%s workers=%d",
		emails.SendTopic, groupID, w.Workers)

	return w.Run(ctx)
}
