package emails

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/tkhasanov/newsletter-engine/internal/errs"
	"github.com/tkhasanov/newsletter-engine/internal/events"
	"github.com/tkhasanov/newsletter-engine/internal/filter"
	"github.com/tkhasanov/newsletter-engine/internal/limits"
	"github.com/tkhasanov/newsletter-engine/internal/mailer"
	"github.com/tkhasanov/newsletter-engine/internal/model"
	"github.com/tkhasanov/newsletter-engine/internal/renderer"
)

// ---- mocks ----

type mockTxRunner struct{}

func (mockTxRunner) RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

type mockEmailsRepo struct {
	byID        map[string]*model.Email
	byPost      map[string]*model.Email
	inserted    []model.Email
	failedID    string
	failedMsg   string
	submittedID string
}

func newMockEmailsRepo() *mockEmailsRepo {
	return &mockEmailsRepo{byID: map[string]*model.Email{}, byPost: map[string]*model.Email{}}
}

func (m *mockEmailsRepo) put(e model.Email) {
	cp := e
	m.byID[e.ID] = &cp
	m.byPost[e.PostID] = &cp
}

func (m *mockEmailsRepo) GetByID(ctx context.Context, id string) (*model.Email, error) {
	e, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *mockEmailsRepo) GetByPostID(ctx context.Context, postID string) (*model.Email, error) {
	e, ok := m.byPost[postID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *mockEmailsRepo) Insert(ctx context.Context, tx *sqlx.Tx, e model.Email) error {
	m.inserted = append(m.inserted, e)
	m.put(e)
	return nil
}

func (m *mockEmailsRepo) TransitionStatus(ctx context.Context, tx *sqlx.Tx, id string, from, to model.EmailStatus) (bool, error) {
	e, ok := m.byID[id]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = to
	e.Error = ""
	return true, nil
}

func (m *mockEmailsRepo) MarkFailed(ctx context.Context, id, errMsg string) error {
	m.failedID = id
	m.failedMsg = errMsg
	if e, ok := m.byID[id]; ok {
		e.Status = model.StatusFailed
		e.Error = errMsg
	}
	return nil
}

func (m *mockEmailsRepo) MarkSubmitted(ctx context.Context, id string) error {
	m.submittedID = id
	if e, ok := m.byID[id]; ok {
		e.Status = model.StatusSubmitted
	}
	return nil
}

func (m *mockEmailsRepo) SumEmailCountSince(ctx context.Context, since time.Time) (int, error) {
	return 0, nil
}

func (m *mockEmailsRepo) ListSubmittedSince(ctx context.Context, since time.Time) ([]model.Email, error) {
	return nil, nil
}

func (m *mockEmailsRepo) UpdateAnalytics(ctx context.Context, id string, delivered, opened, failed int) error {
	return nil
}

type mockBatchesRepo struct {
	rows   []model.EmailBatch
	status map[string]model.BatchStatus
}

func newMockBatchesRepo() *mockBatchesRepo {
	return &mockBatchesRepo{status: map[string]model.BatchStatus{}}
}

func (m *mockBatchesRepo) CountByEmailID(ctx context.Context, emailID string) (int, error) {
	n := 0
	for _, b := range m.rows {
		if b.EmailID == emailID {
			n++
		}
	}
	return n, nil
}

func (m *mockBatchesRepo) Insert(ctx context.Context, tx *sqlx.Tx, b model.EmailBatch) error {
	b.Status = model.BatchCreated
	m.rows = append(m.rows, b)
	m.status[b.ID] = model.BatchCreated
	return nil
}

func (m *mockBatchesRepo) ListByEmailID(ctx context.Context, emailID string) ([]model.EmailBatch, error) {
	var out []model.EmailBatch
	for _, b := range m.rows {
		if b.EmailID == emailID {
			b.Status = m.status[b.ID]
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockBatchesRepo) UpdateStatus(ctx context.Context, id string, status model.BatchStatus) error {
	m.status[id] = status
	return nil
}

type mockRecipientsRepo struct {
	rows []model.EmailRecipient
}

func (m *mockRecipientsRepo) BulkInsert(ctx context.Context, tx *sqlx.Tx, rows []model.EmailRecipient) error {
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *mockRecipientsRepo) ListByBatchID(ctx context.Context, batchID string) ([]model.EmailRecipient, error) {
	var out []model.EmailRecipient
	for _, r := range m.rows {
		if r.BatchID == batchID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRecipientsRepo) CountByEmailID(ctx context.Context, emailID string) (int, error) {
	n := 0
	for _, r := range m.rows {
		if r.EmailID == emailID {
			n++
		}
	}
	return n, nil
}

type mockMembersRepo struct {
	audience    []model.Member
	lastFilter  string
	lastSegment string
	byEmail     map[string]*model.Member
	byUUID      map[string]*model.Member
	unsubbed    []string
}

func newMockMembersRepo(audience ...model.Member) *mockMembersRepo {
	return &mockMembersRepo{
		audience: audience,
		byEmail:  map[string]*model.Member{},
		byUUID:   map[string]*model.Member{},
	}
}

func (m *mockMembersRepo) CountByFilter(ctx context.Context, filterExpr string) (int, error) {
	m.lastFilter = filterExpr
	return len(m.audience), nil
}

func (m *mockMembersRepo) ListByFilter(ctx context.Context, filterExpr, segmentLabel string) ([]model.Member, error) {
	m.lastFilter = filterExpr
	m.lastSegment = segmentLabel
	return m.audience, nil
}

func (m *mockMembersRepo) GetByUUID(ctx context.Context, uuid string) (*model.Member, error) {
	return m.byUUID[uuid], nil
}

func (m *mockMembersRepo) GetByEmail(ctx context.Context, email string) (*model.Member, error) {
	return m.byEmail[email], nil
}

func (m *mockMembersRepo) UpdateSubscribed(ctx context.Context, id string, subscribed bool) (*model.Member, error) {
	m.unsubbed = append(m.unsubbed, id)
	for _, mb := range m.byUUID {
		if mb.ID == id {
			mb.Subscribed = subscribed
			return mb, nil
		}
	}
	return nil, fmt.Errorf("member %s not found", id)
}

func (m *mockMembersRepo) CountAll(ctx context.Context) (int, error) {
	return len(m.audience), nil
}

type mockOutbox struct {
	topics []string
	ids    []string
}

func (m *mockOutbox) Insert(ctx context.Context, tx *sqlx.Tx, aggregate, aggregateID, topic string, payload []byte) error {
	m.topics = append(m.topics, topic)
	m.ids = append(m.ids, aggregateID)
	return nil
}

type mockLimits struct {
	disabled      bool
	overLimitErr  error
	wouldOverErr  error
	wouldOverArgs []int
}

func (m *mockLimits) IsDisabled(resource string) bool { return m.disabled }

func (m *mockLimits) ErrorIfWouldGoOverLimit(ctx context.Context, resource string, added int) error {
	m.wouldOverArgs = append(m.wouldOverArgs, added)
	return m.wouldOverErr
}

func (m *mockLimits) ErrorIfIsOverLimit(ctx context.Context, resource string) error {
	return m.overLimitErr
}

type mockMailer struct {
	batchSize int
	err       error
	calls     int
	sent      [][]mailer.Recipient
	contents  []mailer.Content
}

func (m *mockMailer) BatchSize() int {
	if m.batchSize > 0 {
		return m.batchSize
	}
	return 1000
}

func (m *mockMailer) SendBatch(ctx context.Context, c mailer.Content, recipients []mailer.Recipient) error {
	m.calls++
	m.sent = append(m.sent, recipients)
	m.contents = append(m.contents, c)
	return m.err
}

// ---- fixture ----

type fixture struct {
	svc     *Service
	emails  *mockEmailsRepo
	batches *mockBatchesRepo
	recips  *mockRecipientsRepo
	members *mockMembersRepo
	outbox  *mockOutbox
	limits  *mockLimits
	mail    *mockMailer
	bus     *events.Dispatcher
	fired   *[]events.Event
}

func newFixture(audience ...model.Member) *fixture {
	f := &fixture{
		emails:  newMockEmailsRepo(),
		batches: newMockBatchesRepo(),
		recips:  &mockRecipientsRepo{},
		members: newMockMembersRepo(audience...),
		outbox:  &mockOutbox{},
		limits:  &mockLimits{},
		mail:    &mockMailer{},
		bus:     events.NewDispatcher(),
	}
	var fired []events.Event
	f.fired = &fired
	f.bus.Register(func(ctx context.Context, e events.Event) {
		fired = append(fired, e)
	})
	f.svc = New(
		mockTxRunner{}, f.emails, f.batches, f.recips, f.members, f.outbox,
		f.limits, f.mail, renderer.New(), f.bus,
		"news@example.com", "reply@example.com", true,
	)
	return f
}

func member(i int, status model.MemberStatus) model.Member {
	return model.Member{
		ID:     fmt.Sprintf("m-%03d", i),
		UUID:   fmt.Sprintf("uuid-%03d", i),
		Email:  fmt.Sprintf("member%03d@example.com", i),
		Name:   fmt.Sprintf("Member %03d", i),
		Status: status,
	}
}

func freeMembers(n int) []model.Member {
	out := make([]model.Member, n)
	for i := range out {
		out[i] = member(i, model.MemberFree)
	}
	return out
}

var testPost = &model.Post{ID: "post-1", Title: "Hello", Status: model.PostPublished, HTML: "<p>Hi all</p>"}

// ---- AddEmail ----

func TestAddEmailCreatesPendingRecord(t *testing.T) {
	f := newFixture(freeMembers(3)...)

	e, err := f.svc.AddEmail(context.Background(), testPost, Options{})
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, model.StatusPending, e.Status)
	require.Equal(t, "all", e.RecipientFilter)
	require.Equal(t, 3, e.EmailCount)
	require.Equal(t, "Hello", e.Subject)
	require.Equal(t, "news@example.com", e.FromAddress)

	require.Equal(t, "subscribed:true", f.members.lastFilter)
	require.Equal(t, []string{SendTopic}, f.outbox.topics)
	require.Len(t, *f.fired, 1)
	created, ok := (*f.fired)[0].(events.EmailCreated)
	require.True(t, ok)
	require.Equal(t, e.ID, created.Email.ID)
}

func TestAddEmailIsIdempotentPerPost(t *testing.T) {
	f := newFixture(freeMembers(2)...)
	ctx := context.Background()

	first, err := f.svc.AddEmail(ctx, testPost, Options{})
	require.NoError(t, err)

	second, err := f.svc.AddEmail(ctx, testPost, Options{})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, f.emails.inserted, 1)
	require.Len(t, f.outbox.topics, 1)
}

func TestAddEmailEmptyAudienceCreatesNothing(t *testing.T) {
	f := newFixture() // no members

	e, err := f.svc.AddEmail(context.Background(), testPost, Options{})
	require.NoError(t, err)
	require.Nil(t, e)
	require.Empty(t, f.emails.inserted)
	require.Empty(t, f.outbox.topics)
}

func TestAddEmailSendingDisabled(t *testing.T) {
	f := newFixture(freeMembers(1)...)
	f.limits.disabled = true

	_, err := f.svc.AddEmail(context.Background(), testPost, Options{})
	var hle *errs.HostLimitError
	require.ErrorAs(t, err, &hle)
	require.Empty(t, f.emails.inserted)
}

func TestAddEmailQuotaCheckedWithResolvedCount(t *testing.T) {
	f := newFixture(freeMembers(7)...)
	f.limits.wouldOverErr = errs.NewHostLimit(limits.ResourceEmails, "over quota")

	_, err := f.svc.AddEmail(context.Background(), testPost, Options{})
	var hle *errs.HostLimitError
	require.ErrorAs(t, err, &hle)
	require.Equal(t, []int{7}, f.limits.wouldOverArgs)
	require.Empty(t, f.emails.inserted)
}

func TestAddEmailRejectsRetiredAndNoneFilters(t *testing.T) {
	f := newFixture(freeMembers(1)...)
	ctx := context.Background()

	_, err := f.svc.AddEmail(ctx, testPost, Options{RecipientFilter: "paid"})
	require.ErrorIs(t, err, filter.ErrUnexpectedValue)

	_, err = f.svc.AddEmail(ctx, testPost, Options{RecipientFilter: "none"})
	require.ErrorIs(t, err, filter.ErrEmptyAudience)

	require.Empty(t, f.emails.inserted)
}

func TestAddEmailImportingSkipsEnqueue(t *testing.T) {
	f := newFixture(freeMembers(1)...)

	e, err := f.svc.AddEmail(context.Background(), testPost, Options{Importing: true})
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Len(t, f.emails.inserted, 1)
	require.Empty(t, f.outbox.topics, "imports must not enqueue a send job")
	require.Empty(t, *f.fired)
}

// ---- RetryFailedEmail ----

func TestRetryFailedEmailRequeues(t *testing.T) {
	f := newFixture()
	f.emails.put(model.Email{ID: "e-1", PostID: "post-1", Status: model.StatusFailed, Error: "boom"})

	e, err := f.svc.RetryFailedEmail(context.Background(), "e-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, e.Status)
	require.Empty(t, e.Error)
	require.Equal(t, []string{SendTopic}, f.outbox.topics)

	require.Len(t, *f.fired, 1)
	edited, ok := (*f.fired)[0].(events.EmailEdited)
	require.True(t, ok)
	require.Equal(t, model.StatusFailed, edited.From)
	require.Equal(t, model.StatusPending, edited.To)
}

func TestRetryIgnoresNonFailedEmail(t *testing.T) {
	f := newFixture()
	f.emails.put(model.Email{ID: "e-1", PostID: "post-1", Status: model.StatusPending})

	e, err := f.svc.RetryFailedEmail(context.Background(), "e-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, e.Status)
	require.Empty(t, f.outbox.topics, "a no-op write must not re-trigger sending")
	require.Empty(t, *f.fired)
}

func TestRetryUnknownEmail(t *testing.T) {
	f := newFixture()

	_, err := f.svc.RetryFailedEmail(context.Background(), "missing")
	var bre *errs.BadRequestError
	require.ErrorAs(t, err, &bre)
}

// ---- ProcessSendJob ----

func pendingEmail(f *fixture, count int) model.Email {
	e := model.Email{
		ID: "e-1", PostID: "post-1", Status: model.StatusPending,
		RecipientFilter: "all", EmailCount: count,
		Subject: "Hello", HTML: "<p>Hi all</p>", Plaintext: "Hi all",
		FromAddress: "news@example.com",
	}
	f.emails.put(e)
	return e
}

func TestSendJobChunksIntoBatches(t *testing.T) {
	f := newFixture(freeMembers(25)...)
	f.mail.batchSize = 10
	pendingEmail(f, 25)

	err := f.svc.ProcessSendJob(context.Background(), "e-1")
	require.NoError(t, err)

	// ceil(25/10) = 3 batches, all recipients snapshotted exactly once
	require.Len(t, f.batches.rows, 3)
	require.Len(t, f.recips.rows, 25)
	seen := map[string]bool{}
	for _, r := range f.recips.rows {
		require.False(t, seen[r.MemberID])
		seen[r.MemberID] = true
		require.NotEmpty(t, r.ID)
		require.NotEmpty(t, r.MemberUUID)
	}

	require.Equal(t, 3, f.mail.calls)
	require.Equal(t, "e-1", f.emails.submittedID)
	require.Equal(t, model.StatusSubmitted, f.emails.byID["e-1"].Status)
}

func TestSendJobDropsRowsMissingFields(t *testing.T) {
	rows := freeMembers(4)
	rows[1].UUID = ""
	rows[3].Email = ""
	f := newFixture(rows...)
	pendingEmail(f, 4)

	err := f.svc.ProcessSendJob(context.Background(), "e-1")
	require.NoError(t, err)

	require.Len(t, f.recips.rows, 2, "defective rows are skipped, not fatal")
	for _, r := range f.recips.rows {
		require.NotEmpty(t, r.MemberUUID)
		require.NotEmpty(t, r.MemberEmail)
	}
}

func TestSendJobIsIdempotentOnBatches(t *testing.T) {
	f := newFixture(freeMembers(5)...)
	pendingEmail(f, 5)
	ctx := context.Background()

	require.NoError(t, f.svc.ProcessSendJob(ctx, "e-1"))
	require.Len(t, f.batches.rows, 1)

	// Second run: batch exists, nothing recreated, already-submitted batch skipped.
	require.NoError(t, f.svc.ProcessSendJob(ctx, "e-1"))
	require.Len(t, f.batches.rows, 1)
	require.Len(t, f.recips.rows, 5)
	require.Equal(t, 1, f.mail.calls)
}

func TestSendJobPartitionsBySegment(t *testing.T) {
	rows := []model.Member{
		member(0, model.MemberFree),
		member(1, model.MemberPaid),
		member(2, model.MemberFree),
	}
	f := newFixture(rows...)
	e := pendingEmail(f, 3)
	e.HTML = `<p>Hi</p><!-- segment:status:free --><p>Upgrade!</p><!-- /segment -->`
	f.emails.put(e)

	err := f.svc.ProcessSendJob(context.Background(), "e-1")
	require.NoError(t, err)

	require.Len(t, f.batches.rows, 2)
	bySegment := map[string]model.EmailBatch{}
	for _, b := range f.batches.rows {
		bySegment[b.Segment] = b
	}
	require.Contains(t, bySegment, "status:free")
	require.Contains(t, bySegment, "", "paid members land in the unsegmented batch")

	freeRecips, _ := f.recips.ListByBatchID(context.Background(), bySegment["status:free"].ID)
	require.Len(t, freeRecips, 2)
}

func TestSendJobEmptyAudienceIsNoop(t *testing.T) {
	f := newFixture() // audience emptied since creation
	pendingEmail(f, 10)

	err := f.svc.ProcessSendJob(context.Background(), "e-1")
	require.NoError(t, err)
	require.Empty(t, f.batches.rows)
	require.Empty(t, f.emails.submittedID)
	require.Empty(t, f.emails.failedID, "an emptied audience is not a failure")
}

func TestSendJobPersistsTruncatedFailure(t *testing.T) {
	f := newFixture(freeMembers(2)...)
	pendingEmail(f, 2)
	f.mail.err = errors.New(strings.Repeat("x", 3000))

	err := f.svc.ProcessSendJob(context.Background(), "e-1")
	require.Error(t, err)

	var se *errs.SendError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "e-1", se.EmailID)

	require.Equal(t, "e-1", f.emails.failedID)
	require.Len(t, f.emails.failedMsg, model.MaxErrorLength)
	require.Equal(t, model.StatusFailed, f.emails.byID["e-1"].Status)
}

func TestSendJobRechecksLimitsOnRetry(t *testing.T) {
	f := newFixture(freeMembers(2)...)
	pendingEmail(f, 2)
	f.limits.overLimitErr = errs.NewHostLimit(limits.ResourceEmails, "over quota")

	err := f.svc.ProcessSendJob(context.Background(), "e-1")
	require.Error(t, err)
	require.Equal(t, model.StatusFailed, f.emails.byID["e-1"].Status)
	require.Zero(t, f.mail.calls, "limits are not bypassable by retrying")
}

// ---- SendTestEmail ----

func TestSendTestEmailResolvesKnownMembers(t *testing.T) {
	f := newFixture()
	known := member(1, model.MemberPaid)
	f.members.byEmail[known.Email] = &known

	err := f.svc.SendTestEmail(context.Background(), testPost,
		[]string{known.Email, "stranger@example.com"}, "")
	require.NoError(t, err)

	// One personalized send per address.
	require.Equal(t, 2, f.mail.calls)
	require.Len(t, f.mail.sent[0], 1)
	require.Equal(t, known.UUID, f.mail.sent[0][0].UUID)
	require.Equal(t, known.Name, f.mail.sent[0][0].Name)
	require.Empty(t, f.mail.sent[1][0].UUID, "unknown addresses fall back to a bare email")

	require.Empty(t, f.emails.inserted, "test sends never persist a dispatch record")
	require.Empty(t, f.batches.rows)
}

func TestSendTestEmailPersonalizesPerAddress(t *testing.T) {
	f := newFixture()
	known := member(1, model.MemberPaid)
	f.members.byEmail[known.Email] = &known
	post := &model.Post{ID: "post-2", Title: "Hey", Status: model.PostPublished,
		HTML: "<p>Hi {first_name}</p>"}

	err := f.svc.SendTestEmail(context.Background(), post, []string{known.Email}, "")
	require.NoError(t, err)
	require.Equal(t, "<p>Hi Member</p>", f.mail.contents[0].HTML)
}

func TestSendTestEmailUnwrapsBatchFailure(t *testing.T) {
	f := newFixture()
	underlying := errors.New("provider rejected payload")
	f.mail.err = &mailer.BatchFailure{Provider: "primary", Err: underlying}

	err := f.svc.SendTestEmail(context.Background(), testPost, []string{"a@example.com"}, "")
	require.Equal(t, underlying, err)
}

func TestSendTestEmailValidatesSegment(t *testing.T) {
	f := newFixture()

	err := f.svc.SendTestEmail(context.Background(), testPost, []string{"a@example.com"}, "status:gold")
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Zero(t, f.mail.calls)
}

// ---- UnsubscribeByUUID ----

func TestUnsubscribeMissingUUID(t *testing.T) {
	f := newFixture()

	_, err := f.svc.UnsubscribeByUUID(context.Background(), "")
	var bre *errs.BadRequestError
	require.ErrorAs(t, err, &bre)
}

func TestUnsubscribeUnknownMember(t *testing.T) {
	f := newFixture()

	_, err := f.svc.UnsubscribeByUUID(context.Background(), "nope")
	var bre *errs.BadRequestError
	require.ErrorAs(t, err, &bre)
}

func TestUnsubscribeKnownMember(t *testing.T) {
	f := newFixture()
	m := member(1, model.MemberFree)
	m.Subscribed = true
	f.members.byUUID[m.UUID] = &m

	updated, err := f.svc.UnsubscribeByUUID(context.Background(), m.UUID)
	require.NoError(t, err)
	require.False(t, updated.Subscribed)
	require.Equal(t, []string{m.ID}, f.members.unsubbed)
}

// ---- helpers ----

func TestChunkMembers(t *testing.T) {
	rows := freeMembers(7)

	chunks := chunkMembers(rows, 3)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 3)
	require.Len(t, chunks[1], 3)
	require.Len(t, chunks[2], 1)
	require.Equal(t, rows[0].ID, chunks[0][0].ID)
	require.Equal(t, rows[6].ID, chunks[2][0].ID)

	require.Empty(t, chunkMembers(nil, 3))
	require.Len(t, chunkMembers(rows, 100), 1)
}
