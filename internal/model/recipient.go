package model

import "time"

// EmailRecipient is a denormalized snapshot of one member targeted by one
// batch. Member fields are captured at batch-creation time so a later member
// edit cannot change what an in-flight send delivers.
type EmailRecipient struct {
	ID          string    `db:"id" json:"id"`
	EmailID     string    `db:"email_id" json:"email_id"`
	BatchID     string    `db:"batch_id" json:"batch_id"`
	MemberID    string    `db:"member_id" json:"member_id"`
	MemberUUID  string    `db:"member_uuid" json:"member_uuid"`
	MemberEmail string    `db:"member_email" json:"member_email"`
	MemberName  string    `db:"member_name" json:"member_name"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
