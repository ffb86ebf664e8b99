package worker

import (
	"context"
	"log"
	"time"

	"github.com/tkhasanov/newsletter-engine/internal/analytics"
	"github.com/tkhasanov/newsletter-engine/internal/repository"
)

// AnalyticsRefresher periodically folds ClickHouse delivery/open counts back
// onto submitted email records. Each refreshed email is rescheduled until it
// ages out of the retention window, after which its counts are considered
// final.
type AnalyticsRefresher struct {
	Emails   repository.EmailsRepository
	Events   repository.CHEventsRepository
	Schedule analytics.Scheduler

	Interval  time.Duration // time between refreshes of one email
	Retention time.Duration // how long after submission to keep refreshing
	PollEvery time.Duration // schedule poll cadence
}

func NewAnalyticsRefresher(
	emailsRepo repository.EmailsRepository,
	eventsRepo repository.CHEventsRepository,
	sched analytics.Scheduler,
	interval, retention time.Duration,
) *AnalyticsRefresher {
	return &AnalyticsRefresher{
		Emails:    emailsRepo,
		Events:    eventsRepo,
		Schedule:  sched,
		Interval:  interval,
		Retention: retention,
		PollEvery: 30 * time.Second,
	}
}

// Run polls the schedule and blocks until ctx is cancelled.
func (w *AnalyticsRefresher) Run(ctx context.Context) error {
	if w.Interval <= 0 {
		w.Interval = 5 * time.Minute
	}
	if w.Retention <= 0 {
		w.Retention = 14 * 24 * time.Hour
	}
	if w.PollEvery <= 0 {
		w.PollEvery = 30 * time.Second
	}

	w.seedSchedule(ctx)

	tick := time.NewTicker(w.PollEvery)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			w.refreshDue(ctx)
		}
	}
}

// seedSchedule re-registers emails submitted inside the retention window.
// Add-if-absent semantics keep existing slots, so this only repairs a lost
// schedule (redis flush, missed event) instead of resetting it.
func (w *AnalyticsRefresher) seedSchedule(ctx context.Context) {
	rows, err := w.Emails.ListSubmittedSince(ctx, time.Now().Add(-w.Retention))
	if err != nil {
		log.Printf("[analytics] seed schedule err: %v", err)
		return
	}
	at := time.Now().Add(w.Interval)
	for _, e := range rows {
		if err := w.Schedule.EnsureScheduled(ctx, e.ID, at); err != nil {
			log.Printf("[analytics] seed schedule %s err: %v", e.ID, err)
		}
	}
}

func (w *AnalyticsRefresher) refreshDue(ctx context.Context) {
	now := time.Now()
	ids, err := w.Schedule.Due(ctx, now)
	if err != nil {
		log.Printf("[analytics] list due err: %v", err)
		return
	}

	for _, id := range ids {
		if err := w.refreshOne(ctx, id, now); err != nil {
			log.Printf("[analytics] refresh %s err: %v", id, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *AnalyticsRefresher) refreshOne(ctx context.Context, emailID string, now time.Time) error {
	e, err := w.Emails.GetByID(ctx, emailID)
	if err != nil {
		return err
	}
	if e == nil {
		// Record gone; drop the slot instead of polling forever.
		return w.Schedule.Remove(ctx, emailID)
	}

	counts, err := w.Events.CountsByEmail(ctx, emailID)
	if err != nil {
		// Leave the slot in place; the next poll retries.
		return err
	}
	if err := w.Emails.UpdateAnalytics(ctx, emailID, counts.Delivered, counts.Opened, counts.Failed); err != nil {
		return err
	}

	submittedAt := e.UpdatedAt
	if e.SubmittedAt != nil {
		submittedAt = *e.SubmittedAt
	}
	expired := now.Sub(submittedAt) > w.Retention
	return w.Schedule.Reschedule(ctx, emailID, now.Add(w.Interval), expired)
}
