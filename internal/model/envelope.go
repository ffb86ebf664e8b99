package model

// Envelope is the job payload published to Kafka (via the outbox relay).
type Envelope struct {
	ID      string `json:"id"`      // email ULID
	PostID  string `json:"post_id"` // owning post
	Retried bool   `json:"retried"` // true when re-enqueued after a failure
}
