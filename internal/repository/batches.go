package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/tkhasanov/newsletter-engine/internal/model"
)

// BatchesRepository defines persistence for the email_batches table.
type BatchesRepository interface {
	CountByEmailID(ctx context.Context, emailID string) (int, error)
	Insert(ctx context.Context, tx *sqlx.Tx, b model.EmailBatch) error
	ListByEmailID(ctx context.Context, emailID string) ([]model.EmailBatch, error)
	UpdateStatus(ctx context.Context, id string, status model.BatchStatus) error
}

type BatchesRepositoryImpl struct {
	db *sqlx.DB
}

func NewBatchesRepository(db *sqlx.DB) *BatchesRepositoryImpl {
	return &BatchesRepositoryImpl{db: db}
}

var _ BatchesRepository = (*BatchesRepositoryImpl)(nil)

// CountByEmailID is the idempotent-retry guard: a send job skips batch
// creation entirely when any batches already exist for the email.
func (r *BatchesRepositoryImpl) CountByEmailID(ctx context.Context, emailID string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM email_batches WHERE email_id = ?`, emailID)
	return n, err
}

func (r *BatchesRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, b model.EmailBatch) error {
	const q = `
		INSERT INTO email_batches (id, email_id, segment, status, created_at, updated_at)
		VALUES (?, ?, ?, 'created', NOW(), NOW())
	`
	_, err := tx.ExecContext(ctx, q, b.ID, b.EmailID, b.Segment)
	return err
}

func (r *BatchesRepositoryImpl) ListByEmailID(ctx context.Context, emailID string) ([]model.EmailBatch, error) {
	var rows []model.EmailBatch
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, email_id, segment, status, created_at, updated_at
		FROM email_batches
		WHERE email_id = ?
		ORDER BY id
	`, emailID)
	return rows, err
}

func (r *BatchesRepositoryImpl) UpdateStatus(ctx context.Context, id string, status model.BatchStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_batches SET status = ?, updated_at = NOW() WHERE id = ?
	`, status.String(), id)
	return err
}
