package emails

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/tkhasanov/newsletter-engine/internal/filter"
	"github.com/tkhasanov/newsletter-engine/internal/logger"
	"github.com/tkhasanov/newsletter-engine/internal/metrics"
	"github.com/tkhasanov/newsletter-engine/internal/model"
	"github.com/tkhasanov/newsletter-engine/internal/segment"
	"github.com/tkhasanov/newsletter-engine/internal/util"
)

// createBatches resolves the audience, partitions it by the segments the
// content uses, and persists the chunked batches. Returns the number of
// batches created; zero means the audience resolved empty.
func (s *Service) createBatches(ctx context.Context, e *model.Email) (int, error) {
	filterExpr, err := filter.Transform(e.RecipientFilter)
	if err != nil {
		return 0, fmt.Errorf("recipient filter: %w", err)
	}

	rows, err := s.members.ListByFilter(ctx, filterExpr, "")
	if err != nil {
		return 0, fmt.Errorf("resolve audience: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	segLabels := s.renderer.DetectSegments(e.HTML)
	buckets, err := segment.Partition(rows, segLabels)
	if err != nil {
		return 0, err
	}

	created := 0
	// Deterministic order: content segments first, leftover pool last.
	for _, label := range append(segLabels, segment.Unsegmented) {
		bucket := buckets[label]
		if len(bucket) == 0 {
			continue
		}
		batchSegment := label
		if label == segment.Unsegmented {
			batchSegment = ""
		}
		ids, err := s.storeBatches(ctx, e, batchSegment, bucket)
		if err != nil {
			return created, err
		}
		created += len(ids)
	}
	return created, nil
}

// storeBatches chunks one (sub)audience and persists each chunk as a batch
// row plus its recipient snapshots in a single transaction. Batches commit
// independently: a mid-send crash leaves earlier batches intact for the
// retry path to detect.
func (s *Service) storeBatches(ctx context.Context, e *model.Email, segmentLabel string, rows []model.Member) ([]string, error) {
	ids := make([]string, 0, len(rows)/s.mailer.BatchSize()+1)

	for _, chunk := range chunkMembers(rows, s.mailer.BatchSize()) {
		b := model.EmailBatch{
			ID:      util.NewID(),
			EmailID: e.ID,
			Segment: segmentLabel,
		}

		recips := make([]model.EmailRecipient, 0, len(chunk))
		for _, m := range chunk {
			// A snapshot row is useless without these three.
			if m.ID == "" || m.UUID == "" || m.Email == "" {
				metrics.RecipientsDroppedTotal.Inc()
				logger.L().Warn("dropping recipient with missing fields",
					zap.String("email_id", e.ID),
					zap.String("member_id", m.ID))
				continue
			}
			recips = append(recips, model.EmailRecipient{
				ID:          util.NewID(),
				EmailID:     e.ID,
				BatchID:     b.ID,
				MemberID:    m.ID,
				MemberUUID:  m.UUID,
				MemberEmail: m.Email,
				MemberName:  m.Name,
			})
		}

		err := s.txr.RunInTx(ctx, func(tx *sqlx.Tx) error {
			if err := s.batches.Insert(ctx, tx, b); err != nil {
				return fmt.Errorf("insert batch: %w", err)
			}
			return s.recipients.BulkInsert(ctx, tx, recips)
		})
		if err != nil {
			return ids, fmt.Errorf("store batch for email %s: %w", e.ID, err)
		}

		metrics.BatchesTotal.WithLabelValues("created").Inc()
		ids = append(ids, b.ID)
	}

	return ids, nil
}

// chunkMembers splits rows into consecutive slices of at most size, keeping
// resolver order.
func chunkMembers(rows []model.Member, size int) [][]model.Member {
	if size < 1 {
		size = 1
	}
	chunks := make([][]model.Member, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}
