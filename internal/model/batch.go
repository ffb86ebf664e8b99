package model

import "time"

type BatchStatus string

const (
	BatchCreated   BatchStatus = "created"
	BatchSubmitted BatchStatus = "submitted"
	BatchFailed    BatchStatus = "failed"
)

func (s BatchStatus) String() string { return string(s) }

// EmailBatch is a fixed-size subdivision of an email's recipients.
// Batches are created transactionally with their recipients and are
// immutable apart from the status column.
type EmailBatch struct {
	ID        string      `db:"id" json:"id"`
	EmailID   string      `db:"email_id" json:"email_id"`
	Segment   string      `db:"segment" json:"segment,omitempty"` // empty = unsegmented
	Status    BatchStatus `db:"status" json:"status"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}
