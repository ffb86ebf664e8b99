package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// TxRunner runs fn inside one database transaction. Batch creation relies on
// this so a batch row and its recipients commit or roll back together.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
}

type SQLTxRunner struct {
	db *sqlx.DB
}

func NewTxRunner(db *sqlx.DB) *SQLTxRunner {
	return &SQLTxRunner{db: db}
}

func (r *SQLTxRunner) RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
