package emails

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/tkhasanov/newsletter-engine/internal/errs"
	"github.com/tkhasanov/newsletter-engine/internal/events"
	"github.com/tkhasanov/newsletter-engine/internal/filter"
	"github.com/tkhasanov/newsletter-engine/internal/limits"
	"github.com/tkhasanov/newsletter-engine/internal/logger"
	"github.com/tkhasanov/newsletter-engine/internal/mailer"
	"github.com/tkhasanov/newsletter-engine/internal/metrics"
	"github.com/tkhasanov/newsletter-engine/internal/model"
	"github.com/tkhasanov/newsletter-engine/internal/renderer"
	"github.com/tkhasanov/newsletter-engine/internal/repository"
	"github.com/tkhasanov/newsletter-engine/internal/segment"
	"github.com/tkhasanov/newsletter-engine/internal/util"
)

const (
	// SendTopic carries send-job envelopes from the outbox to the sender worker.
	SendTopic = "email.send"

	aggregate = "email"
)

// Options configures AddEmail. Recognized fields are enumerated here rather
// than passed as an open-ended map.
type Options struct {
	// RecipientFilter is the raw recipient-selection expression. Empty means "all".
	RecipientFilter string
	// Importing suppresses the send-job enqueue so a data import never
	// resends historical emails.
	Importing bool
}

// Service owns the dispatch record lifecycle: creation, retry, the send job,
// test sends and unsubscribe handling.
type Service struct {
	txr        repository.TxRunner
	emails     repository.EmailsRepository
	batches    repository.BatchesRepository
	recipients repository.RecipientsRepository
	members    repository.MembersRepository
	outbox     repository.OutboxRepository
	limits     limits.Service
	mailer     mailer.Client
	renderer   *renderer.Renderer
	events     *events.Dispatcher

	fromAddress string
	replyTo     string
	trackOpens  bool
}

// New constructs the emails service.
func New(
	txr repository.TxRunner,
	emailsRepo repository.EmailsRepository,
	batchesRepo repository.BatchesRepository,
	recipientsRepo repository.RecipientsRepository,
	membersRepo repository.MembersRepository,
	outboxRepo repository.OutboxRepository,
	limitSvc limits.Service,
	mailClient mailer.Client,
	rend *renderer.Renderer,
	dispatcher *events.Dispatcher,
	fromAddress, replyTo string,
	trackOpens bool,
) *Service {
	return &Service{
		txr:         txr,
		emails:      emailsRepo,
		batches:     batchesRepo,
		recipients:  recipientsRepo,
		members:     membersRepo,
		outbox:      outboxRepo,
		limits:      limitSvc,
		mailer:      mailClient,
		renderer:    rend,
		events:      dispatcher,
		fromAddress: fromAddress,
		replyTo:     replyTo,
		trackOpens:  trackOpens,
	}
}

// AddEmail creates the dispatch record for a post, or returns the existing
// one. A post whose resolved audience is empty gets no record at all: the
// return is (nil, nil).
func (s *Service) AddEmail(ctx context.Context, post *model.Post, opts Options) (*model.Email, error) {
	if s.limits.IsDisabled(limits.ResourceEmails) {
		return nil, errs.NewHostLimit(limits.ResourceEmails,
			"email sending is disabled for this site, please contact support")
	}

	rawFilter := opts.RecipientFilter
	if rawFilter == "" {
		rawFilter = "all"
	}
	filterExpr, err := filter.Transform(rawFilter)
	if err != nil {
		return nil, err
	}

	count, err := s.members.CountByFilter(ctx, filterExpr)
	if err != nil {
		return nil, fmt.Errorf("count audience: %w", err)
	}
	if count == 0 {
		return nil, nil
	}

	if err := s.limits.ErrorIfWouldGoOverLimit(ctx, limits.ResourceEmails, count); err != nil {
		return nil, err
	}

	// One dispatch record per post.
	existing, err := s.emails.GetByPostID(ctx, post.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup email for post %s: %w", post.ID, err)
	}
	if existing != nil {
		return existing, nil
	}

	content := s.renderer.Serialize(post)
	e := model.Email{
		ID:              util.NewID(),
		PostID:          post.ID,
		Status:          model.StatusPending,
		RecipientFilter: rawFilter,
		EmailCount:      count,
		Subject:         content.Subject,
		HTML:            content.HTML,
		Plaintext:       content.Plaintext,
		FromAddress:     s.fromAddress,
		ReplyTo:         s.replyTo,
		TrackOpens:      s.trackOpens,
	}

	payload, err := json.Marshal(model.Envelope{ID: e.ID, PostID: e.PostID})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	err = s.txr.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.emails.Insert(ctx, tx, e); err != nil {
			return fmt.Errorf("insert email: %w", err)
		}
		if !opts.Importing {
			if err := s.outbox.Insert(ctx, tx, aggregate, e.ID, SendTopic, payload); err != nil {
				return fmt.Errorf("enqueue send job: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EmailsTotal.WithLabelValues("created").Inc()
	if !opts.Importing {
		s.events.Dispatch(ctx, events.EmailCreated{Email: e})
	}
	return &e, nil
}

// RetryFailedEmail resets a failed email to pending and re-enqueues the send
// job. Only a real failed→pending transition triggers anything; retrying an
// email in any other state is a no-op returning the current record.
func (s *Service) RetryFailedEmail(ctx context.Context, emailID string) (*model.Email, error) {
	e, err := s.emails.GetByID(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("lookup email %s: %w", emailID, err)
	}
	if e == nil {
		return nil, errs.NewBadRequest("email %s not found", emailID)
	}

	payload, err := json.Marshal(model.Envelope{ID: e.ID, PostID: e.PostID, Retried: true})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	changed := false
	err = s.txr.RunInTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := s.emails.TransitionStatus(ctx, tx, e.ID, model.StatusFailed, model.StatusPending)
		if err != nil {
			return fmt.Errorf("reset email status: %w", err)
		}
		changed = ok
		if !changed {
			return nil
		}
		return s.outbox.Insert(ctx, tx, aggregate, e.ID, SendTopic, payload)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		prev := e.Status
		e.Status = model.StatusPending
		e.Error = ""
		metrics.EmailsTotal.WithLabelValues("retried").Inc()
		s.events.Dispatch(ctx, events.EmailEdited{Email: *e, From: prev, To: model.StatusPending})
	}
	return e, nil
}

// SendTestEmail renders the post and submits it straight to the transport.
// No dispatch record and no batches are persisted.
func (s *Service) SendTestEmail(ctx context.Context, post *model.Post, addresses []string, segmentLabel string) error {
	if len(addresses) == 0 {
		return errs.NewValidation("test send requires at least one address")
	}
	if segmentLabel != "" && !segment.Known(segmentLabel) {
		return errs.NewValidation("unknown segment %q", segmentLabel)
	}

	content := s.renderer.RenderForSegment(s.renderer.Serialize(post), segmentLabel)

	// Test sends are tiny, so each address gets its own personalized copy;
	// authors see placeholders substituted the way a real recipient would.
	for _, addr := range addresses {
		m, err := s.members.GetByEmail(ctx, addr)
		if err != nil {
			return fmt.Errorf("lookup member %s: %w", addr, err)
		}
		recip := mailer.Recipient{Email: addr}
		if m != nil {
			recip = mailer.Recipient{Email: m.Email, Name: m.Name, UUID: m.UUID}
		}

		err = s.mailer.SendBatch(ctx, mailer.Content{
			Subject:    content.Subject,
			HTML:       renderer.Personalize(content.HTML, recip.Name, recip.Email),
			Plaintext:  renderer.Personalize(content.Plaintext, recip.Name, recip.Email),
			From:       s.fromAddress,
			ReplyTo:    s.replyTo,
			TrackOpens: s.trackOpens,
		}, []mailer.Recipient{recip})
		if err != nil {
			var bf *mailer.BatchFailure
			if errors.As(err, &bf) {
				return bf.Unwrap()
			}
			return err
		}
	}
	return nil
}

// UnsubscribeByUUID flips a member's subscribed flag off and returns the
// updated projection.
func (s *Service) UnsubscribeByUUID(ctx context.Context, uuid string) (*model.Member, error) {
	if uuid == "" {
		return nil, errs.NewBadRequest("unsubscribe requires a uuid parameter")
	}

	m, err := s.members.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, errs.NewInternal(err, "member lookup failed")
	}
	if m == nil {
		return nil, errs.NewBadRequest("unknown member")
	}

	updated, err := s.members.UpdateSubscribed(ctx, m.ID, false)
	if err != nil {
		return nil, errs.NewInternal(err, "failed to update member")
	}
	return updated, nil
}

// ProcessSendJob executes the send job for one email. Any failure is
// persisted (truncated) onto the record as status=failed before being
// re-raised as a SendError.
func (s *Service) ProcessSendJob(ctx context.Context, emailID string) error {
	e, err := s.emails.GetByID(ctx, emailID)
	if err != nil {
		return fmt.Errorf("lookup email %s: %w", emailID, err)
	}
	if e == nil {
		return fmt.Errorf("email %s not found", emailID)
	}

	if err := s.runSendJob(ctx, e); err != nil {
		if mErr := s.emails.MarkFailed(ctx, e.ID, model.TruncateError(err.Error())); mErr != nil {
			logger.L().Error("persist email failure", zap.String("email_id", e.ID), zap.Error(mErr))
		}
		metrics.EmailsTotal.WithLabelValues("failed").Inc()
		metrics.SendJobsTotal.WithLabelValues("failed").Inc()
		return &errs.SendError{EmailID: e.ID, Err: err}
	}
	return nil
}

func (s *Service) runSendJob(ctx context.Context, e *model.Email) error {
	// Limits hold on retries too; a failed send is not a way around quota.
	if s.limits.IsDisabled(limits.ResourceEmails) {
		return errs.NewHostLimit(limits.ResourceEmails,
			"email sending is disabled for this site, please contact support")
	}
	if err := s.limits.ErrorIfIsOverLimit(ctx, limits.ResourceMembers); err != nil {
		return err
	}
	if err := s.limits.ErrorIfIsOverLimit(ctx, limits.ResourceEmails); err != nil {
		return err
	}

	existing, err := s.batches.CountByEmailID(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("count batches: %w", err)
	}

	if existing == 0 {
		created, err := s.createBatches(ctx, e)
		if err != nil {
			return err
		}
		if created == 0 {
			// Audience emptied between creation and sending. Nothing to do;
			// not a failure.
			metrics.SendJobsTotal.WithLabelValues("empty_audience").Inc()
			logger.L().Info("send job found empty audience", zap.String("email_id", e.ID))
			return nil
		}
	}

	if err := s.sendBatches(ctx, e); err != nil {
		return err
	}

	if err := s.emails.MarkSubmitted(ctx, e.ID); err != nil {
		return fmt.Errorf("mark email submitted: %w", err)
	}
	metrics.EmailsTotal.WithLabelValues("submitted").Inc()
	metrics.SendJobsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (s *Service) sendBatches(ctx context.Context, e *model.Email) error {
	batchRows, err := s.batches.ListByEmailID(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("list batches: %w", err)
	}

	content := renderer.EmailContent{Subject: e.Subject, HTML: e.HTML, Plaintext: e.Plaintext}

	for _, b := range batchRows {
		// A retried job resends only what never went out.
		if b.Status == model.BatchSubmitted {
			continue
		}

		recips, err := s.recipients.ListByBatchID(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("list recipients for batch %s: %w", b.ID, err)
		}

		rendered := s.renderer.RenderForSegment(content, b.Segment)
		payload := make([]mailer.Recipient, 0, len(recips))
		for _, r := range recips {
			payload = append(payload, mailer.Recipient{
				Email: r.MemberEmail,
				Name:  r.MemberName,
				UUID:  r.MemberUUID,
			})
		}

		err = s.mailer.SendBatch(ctx, mailer.Content{
			Subject:    rendered.Subject,
			HTML:       rendered.HTML,
			Plaintext:  rendered.Plaintext,
			From:       e.FromAddress,
			ReplyTo:    e.ReplyTo,
			TrackOpens: e.TrackOpens,
		}, payload)
		if err != nil {
			if uErr := s.batches.UpdateStatus(ctx, b.ID, model.BatchFailed); uErr != nil {
				logger.L().Error("mark batch failed", zap.String("batch_id", b.ID), zap.Error(uErr))
			}
			metrics.BatchesTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("send batch %s: %w", b.ID, err)
		}

		if err := s.batches.UpdateStatus(ctx, b.ID, model.BatchSubmitted); err != nil {
			return fmt.Errorf("mark batch submitted: %w", err)
		}
		metrics.BatchesTotal.WithLabelValues("submitted").Inc()
	}
	return nil
}
