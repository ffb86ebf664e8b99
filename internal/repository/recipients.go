package repository

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/tkhasanov/newsletter-engine/internal/model"
)

// RecipientsRepository defines persistence for the email_recipients table.
type RecipientsRepository interface {
	// BulkInsert writes all snapshot rows in a single statement inside the
	// caller's transaction, so one batch's recipients are all-or-nothing.
	BulkInsert(ctx context.Context, tx *sqlx.Tx, rows []model.EmailRecipient) error
	ListByBatchID(ctx context.Context, batchID string) ([]model.EmailRecipient, error)
	CountByEmailID(ctx context.Context, emailID string) (int, error)
}

type RecipientsRepositoryImpl struct {
	db *sqlx.DB
}

func NewRecipientsRepository(db *sqlx.DB) *RecipientsRepositoryImpl {
	return &RecipientsRepositoryImpl{db: db}
}

var _ RecipientsRepository = (*RecipientsRepositoryImpl)(nil)

func (r *RecipientsRepositoryImpl) BulkInsert(ctx context.Context, tx *sqlx.Tx, rows []model.EmailRecipient) error {
	if len(rows) == 0 {
		return nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(rows)*7)

	sb.WriteString(`INSERT INTO email_recipients
		(id, email_id, batch_id, member_id, member_uuid, member_email, member_name, created_at) VALUES `)
	for i, rw := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, NOW())")
		args = append(args, rw.ID, rw.EmailID, rw.BatchID, rw.MemberID, rw.MemberUUID, rw.MemberEmail, rw.MemberName)
	}

	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

func (r *RecipientsRepositoryImpl) ListByBatchID(ctx context.Context, batchID string) ([]model.EmailRecipient, error) {
	var rows []model.EmailRecipient
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, email_id, batch_id, member_id, member_uuid, member_email, member_name, created_at
		FROM email_recipients
		WHERE batch_id = ?
		ORDER BY id
	`, batchID)
	return rows, err
}

func (r *RecipientsRepositoryImpl) CountByEmailID(ctx context.Context, emailID string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM email_recipients WHERE email_id = ?`, emailID)
	return n, err
}
