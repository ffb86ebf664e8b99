package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// EmailEventCounts aggregates transport events for one email.
type EmailEventCounts struct {
	Delivered int `db:"delivered"`
	Opened    int `db:"opened"`
	Failed    int `db:"failed"`
}

// CHEventsRepository reads transport delivery/open events from ClickHouse
// (populated by the provider webhook pipeline).
type CHEventsRepository interface {
	CountsByEmail(ctx context.Context, emailID string) (EmailEventCounts, error)
}

type chEventsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHEventsRepository(ch *sqlx.DB) CHEventsRepository {
	return &chEventsRepository{ch: ch}
}

func (r *chEventsRepository) CountsByEmail(ctx context.Context, emailID string) (EmailEventCounts, error) {
	const q = `
		SELECT
			countIf(event = 'delivered') AS delivered,
			countIf(event = 'opened')    AS opened,
			countIf(event = 'failed')    AS failed
		FROM newsletter.email_events
		WHERE email_id = ?
	`
	var c EmailEventCounts
	if err := r.ch.GetContext(ctx, &c, q, emailID); err != nil {
		return EmailEventCounts{}, err
	}
	return c, nil
}
