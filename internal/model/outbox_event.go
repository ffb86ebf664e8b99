package model

import "time"

// OutboxEvent mirrors one row of the outbox table. Rows are written by the
// service transactionally and drained to Kafka by the CDC relay; the engine
// itself never reads them back outside of debugging.
type OutboxEvent struct {
	ID          int64     `db:"id"`
	Aggregate   string    `db:"aggregate"`    // e.g. "email"
	AggregateID string    `db:"aggregate_id"` // email ULID
	Topic       string    `db:"topic"`
	Payload     []byte    `db:"payload"`
	CreatedAt   time.Time `db:"created_at"`
}
