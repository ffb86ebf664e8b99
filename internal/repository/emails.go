package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tkhasanov/newsletter-engine/internal/model"
)

// EmailsRepository defines persistence for the emails (dispatch record) table.
type EmailsRepository interface {
	GetByID(ctx context.Context, id string) (*model.Email, error)
	GetByPostID(ctx context.Context, postID string) (*model.Email, error)
	Insert(ctx context.Context, tx *sqlx.Tx, e model.Email) error
	// TransitionStatus moves an email from one status to another and reports
	// whether a row actually changed, so a no-op write never re-triggers a send.
	TransitionStatus(ctx context.Context, tx *sqlx.Tx, id string, from, to model.EmailStatus) (bool, error)
	MarkFailed(ctx context.Context, id, errMsg string) error
	MarkSubmitted(ctx context.Context, id string) error
	SumEmailCountSince(ctx context.Context, since time.Time) (int, error)
	ListSubmittedSince(ctx context.Context, since time.Time) ([]model.Email, error)
	UpdateAnalytics(ctx context.Context, id string, delivered, opened, failed int) error
}

type EmailsRepositoryImpl struct {
	db *sqlx.DB
}

func NewEmailsRepository(db *sqlx.DB) *EmailsRepositoryImpl {
	return &EmailsRepositoryImpl{db: db}
}

var _ EmailsRepository = (*EmailsRepositoryImpl)(nil)

func (r *EmailsRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

const emailColumns = `
	id, post_id, status, recipient_filter, email_count,
	subject, html, plaintext, from_address, reply_to, track_opens,
	error, delivered_count, opened_count, failed_count,
	submitted_at, created_at, updated_at
`

func (r *EmailsRepositoryImpl) GetByID(ctx context.Context, id string) (*model.Email, error) {
	var e model.Email
	err := r.db.GetContext(ctx, &e,
		`SELECT `+emailColumns+` FROM emails WHERE id = ? LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EmailsRepositoryImpl) GetByPostID(ctx context.Context, postID string) (*model.Email, error) {
	var e model.Email
	err := r.db.GetContext(ctx, &e,
		`SELECT `+emailColumns+` FROM emails WHERE post_id = ? LIMIT 1`, postID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Insert writes a new dispatch record with status=pending.
func (r *EmailsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, e model.Email) error {
	const q = `
		INSERT INTO emails
		    (id, post_id, status, recipient_filter, email_count,
		     subject, html, plaintext, from_address, reply_to, track_opens,
		     created_at, updated_at)
		VALUES
		    (?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			e.ID, e.PostID, e.RecipientFilter, e.EmailCount,
			e.Subject, e.HTML, e.Plaintext, e.FromAddress, e.ReplyTo, e.TrackOpens,
		)
		return err
	})
}

func (r *EmailsRepositoryImpl) TransitionStatus(ctx context.Context, tx *sqlx.Tx, id string, from, to model.EmailStatus) (bool, error) {
	const q = `
		UPDATE emails SET status = ?, error = '', updated_at = NOW()
		WHERE id = ? AND status = ?
	`
	var changed bool
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, to.String(), id, from.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// MarkFailed persists failed status with a truncated error message so the
// failure survives process restarts.
func (r *EmailsRepositoryImpl) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE emails SET status = 'failed', error = ?, updated_at = NOW()
		WHERE id = ?
	`, model.TruncateError(errMsg), id)
	return err
}

func (r *EmailsRepositoryImpl) MarkSubmitted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE emails SET status = 'submitted', error = '', submitted_at = NOW(), updated_at = NOW()
		WHERE id = ?
	`, id)
	return err
}

// SumEmailCountSince totals recipient counts of emails created in the quota
// window. Pending and submitted both count; failed sends do not refund quota.
func (r *EmailsRepositoryImpl) SumEmailCountSince(ctx context.Context, since time.Time) (int, error) {
	var total int
	err := r.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(email_count), 0) FROM emails
		WHERE created_at >= ? AND status IN ('pending', 'submitted')
	`, since)
	return total, err
}

func (r *EmailsRepositoryImpl) ListSubmittedSince(ctx context.Context, since time.Time) ([]model.Email, error) {
	var rows []model.Email
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+emailColumns+` FROM emails
		 WHERE status = 'submitted' AND submitted_at >= ?
		 ORDER BY submitted_at DESC`, since)
	return rows, err
}

func (r *EmailsRepositoryImpl) UpdateAnalytics(ctx context.Context, id string, delivered, opened, failed int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE emails
		SET delivered_count = ?, opened_count = ?, failed_count = ?, updated_at = NOW()
		WHERE id = ?
	`, delivered, opened, failed, id)
	return err
}
