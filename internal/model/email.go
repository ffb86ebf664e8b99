package model

import "time"

type EmailStatus string

const (
	StatusPending   EmailStatus = "pending"
	StatusSubmitted EmailStatus = "submitted"
	StatusFailed    EmailStatus = "failed"
)

func (s EmailStatus) String() string {
	return string(s)
}

func (s EmailStatus) Valid() bool {
	return s == StatusPending || s == StatusSubmitted || s == StatusFailed
}

// MaxErrorLength caps the error text persisted on a failed email.
const MaxErrorLength = 2000

// Email is the dispatch record for one bulk send, tied to exactly one post.
type Email struct {
	ID              string      `db:"id" json:"id"`
	PostID          string      `db:"post_id" json:"post_id"`
	Status          EmailStatus `db:"status" json:"status"`
	RecipientFilter string      `db:"recipient_filter" json:"recipient_filter"`
	EmailCount      int         `db:"email_count" json:"email_count"`
	Subject         string      `db:"subject" json:"subject"`
	HTML            string      `db:"html" json:"html"`
	Plaintext       string      `db:"plaintext" json:"plaintext"`
	FromAddress     string      `db:"from_address" json:"from_address"`
	ReplyTo         string      `db:"reply_to" json:"reply_to"`
	TrackOpens      bool        `db:"track_opens" json:"track_opens"`
	Error           string      `db:"error" json:"error,omitempty"`
	DeliveredCount  int         `db:"delivered_count" json:"delivered_count"`
	OpenedCount     int         `db:"opened_count" json:"opened_count"`
	FailedCount     int         `db:"failed_count" json:"failed_count"`
	SubmittedAt     *time.Time  `db:"submitted_at" json:"submitted_at,omitempty"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// TruncateError trims an error message to the persistable length.
func TruncateError(msg string) string {
	if len(msg) > MaxErrorLength {
		return msg[:MaxErrorLength]
	}
	return msg
}
