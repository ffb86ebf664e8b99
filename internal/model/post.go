package model

import "time"

type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostPublished PostStatus = "published"
)

func (s PostStatus) String() string { return string(s) }

// Post is the content source for an email. The engine only reads posts;
// authoring lives elsewhere in the CMS.
type Post struct {
	ID          string     `db:"id" json:"id"`
	Title       string     `db:"title" json:"title"`
	Status      PostStatus `db:"status" json:"status"`
	HTML        string     `db:"html" json:"html"`
	Excerpt     string     `db:"excerpt" json:"excerpt"`
	PublishedAt *time.Time `db:"published_at" json:"published_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}
