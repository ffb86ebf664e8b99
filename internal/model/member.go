package model

import "time"

type MemberStatus string

const (
	MemberFree   MemberStatus = "free"
	MemberPaid   MemberStatus = "paid"
	MemberComped MemberStatus = "comped"
)

func (s MemberStatus) String() string { return string(s) }

func (s MemberStatus) Valid() bool {
	return s == MemberFree || s == MemberPaid || s == MemberComped
}

// Member is a row from the audience store. Only the columns the dispatch
// pipeline needs are projected; the members table itself belongs to the
// members subsystem.
type Member struct {
	ID         string       `db:"id" json:"id"`
	UUID       string       `db:"uuid" json:"uuid"`
	Email      string       `db:"email" json:"email"`
	Name       string       `db:"name" json:"name"`
	Status     MemberStatus `db:"status" json:"status"`
	Subscribed bool         `db:"subscribed" json:"subscribed"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at" json:"updated_at"`
}
