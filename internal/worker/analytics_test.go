package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/tkhasanov/newsletter-engine/internal/model"
	"github.com/tkhasanov/newsletter-engine/internal/repository"
)

type stubEmails struct {
	email     *model.Email
	submitted []model.Email
	updated   []int
}

func (s *stubEmails) GetByID(ctx context.Context, id string) (*model.Email, error) {
	return s.email, nil
}
func (s *stubEmails) GetByPostID(ctx context.Context, postID string) (*model.Email, error) {
	return nil, nil
}
func (s *stubEmails) Insert(ctx context.Context, tx *sqlx.Tx, e model.Email) error { return nil }
func (s *stubEmails) TransitionStatus(ctx context.Context, tx *sqlx.Tx, id string, from, to model.EmailStatus) (bool, error) {
	return false, nil
}
func (s *stubEmails) MarkFailed(ctx context.Context, id, errMsg string) error { return nil }
func (s *stubEmails) MarkSubmitted(ctx context.Context, id string) error      { return nil }
func (s *stubEmails) SumEmailCountSince(ctx context.Context, since time.Time) (int, error) {
	return 0, nil
}
func (s *stubEmails) ListSubmittedSince(ctx context.Context, since time.Time) ([]model.Email, error) {
	return s.submitted, nil
}
func (s *stubEmails) UpdateAnalytics(ctx context.Context, id string, delivered, opened, failed int) error {
	s.updated = []int{delivered, opened, failed}
	return nil
}

type stubEvents struct {
	counts repository.EmailEventCounts
	err    error
}

func (s *stubEvents) CountsByEmail(ctx context.Context, emailID string) (repository.EmailEventCounts, error) {
	return s.counts, s.err
}

type stubSchedule struct {
	ensured       []string
	rescheduledAt time.Time
	expired       bool
	removed       bool
	rescheduled   bool
}

func (s *stubSchedule) EnsureScheduled(ctx context.Context, emailID string, at time.Time) error {
	s.ensured = append(s.ensured, emailID)
	return nil
}
func (s *stubSchedule) Due(ctx context.Context, now time.Time) ([]string, error) { return nil, nil }
func (s *stubSchedule) Reschedule(ctx context.Context, emailID string, at time.Time, expired bool) error {
	s.rescheduled = true
	s.rescheduledAt = at
	s.expired = expired
	return nil
}
func (s *stubSchedule) Remove(ctx context.Context, emailID string) error {
	s.removed = true
	return nil
}

func TestRefreshOneUpdatesCountsAndReschedules(t *testing.T) {
	submitted := time.Now().Add(-time.Hour)
	emailsRepo := &stubEmails{email: &model.Email{ID: "e-1", SubmittedAt: &submitted}}
	sched := &stubSchedule{}
	w := NewAnalyticsRefresher(emailsRepo,
		&stubEvents{counts: repository.EmailEventCounts{Delivered: 90, Opened: 40, Failed: 3}},
		sched, 5*time.Minute, 14*24*time.Hour)

	now := time.Now()
	require.NoError(t, w.refreshOne(context.Background(), "e-1", now))
	require.Equal(t, []int{90, 40, 3}, emailsRepo.updated)
	require.True(t, sched.rescheduled)
	require.False(t, sched.expired)
	require.WithinDuration(t, now.Add(5*time.Minute), sched.rescheduledAt, time.Second)
}

func TestRefreshOneExpiresOldEmails(t *testing.T) {
	submitted := time.Now().Add(-30 * 24 * time.Hour)
	emailsRepo := &stubEmails{email: &model.Email{ID: "e-1", SubmittedAt: &submitted}}
	sched := &stubSchedule{}
	w := NewAnalyticsRefresher(emailsRepo, &stubEvents{}, sched, 5*time.Minute, 14*24*time.Hour)

	require.NoError(t, w.refreshOne(context.Background(), "e-1", time.Now()))
	require.True(t, sched.expired, "emails past retention get a final refresh then drop off")
}

func TestRefreshOneDropsMissingEmail(t *testing.T) {
	sched := &stubSchedule{}
	w := NewAnalyticsRefresher(&stubEmails{}, &stubEvents{}, sched, 5*time.Minute, 14*24*time.Hour)

	require.NoError(t, w.refreshOne(context.Background(), "gone", time.Now()))
	require.True(t, sched.removed)
	require.False(t, sched.rescheduled)
}

func TestSeedScheduleRegistersRecentlySubmitted(t *testing.T) {
	emailsRepo := &stubEmails{submitted: []model.Email{{ID: "e-1"}, {ID: "e-2"}}}
	sched := &stubSchedule{}
	w := NewAnalyticsRefresher(emailsRepo, &stubEvents{}, sched, 5*time.Minute, 14*24*time.Hour)

	w.seedSchedule(context.Background())
	require.Equal(t, []string{"e-1", "e-2"}, sched.ensured)
}

func TestRefreshOneKeepsSlotOnReadFailure(t *testing.T) {
	submitted := time.Now()
	emailsRepo := &stubEmails{email: &model.Email{ID: "e-1", SubmittedAt: &submitted}}
	sched := &stubSchedule{}
	w := NewAnalyticsRefresher(emailsRepo,
		&stubEvents{err: errors.New("clickhouse unavailable")}, sched,
		5*time.Minute, 14*24*time.Hour)

	require.Error(t, w.refreshOne(context.Background(), "e-1", time.Now()))
	require.Nil(t, emailsRepo.updated)
	require.False(t, sched.rescheduled)
	require.False(t, sched.removed)
}
