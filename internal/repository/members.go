package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/tkhasanov/newsletter-engine/internal/errs"
	"github.com/tkhasanov/newsletter-engine/internal/filter"
	"github.com/tkhasanov/newsletter-engine/internal/model"
)

// MembersRepository is the audience store. Filters use the closed grammar
// from the filter package (subscribed:/status:/label: terms joined by "+").
type MembersRepository interface {
	CountByFilter(ctx context.Context, filterExpr string) (int, error)
	// ListByFilter resolves audience rows. An optional segment label is
	// AND-combined with the base filter.
	ListByFilter(ctx context.Context, filterExpr, segmentLabel string) ([]model.Member, error)
	GetByUUID(ctx context.Context, uuid string) (*model.Member, error)
	GetByEmail(ctx context.Context, email string) (*model.Member, error)
	UpdateSubscribed(ctx context.Context, id string, subscribed bool) (*model.Member, error)
	CountAll(ctx context.Context) (int, error)
}

type MembersRepositoryImpl struct {
	db *sqlx.DB
}

func NewMembersRepository(db *sqlx.DB) *MembersRepositoryImpl {
	return &MembersRepositoryImpl{db: db}
}

var _ MembersRepository = (*MembersRepositoryImpl)(nil)

// audienceColumns selects table-qualified member columns only. Label joins
// (and anything else bolted onto members) must never shadow m.email, so the
// projection is explicit rather than SELECT *.
const audienceColumns = `m.id, m.uuid, m.email, m.name, m.status`

// buildWhere translates a parsed filter into SQL predicates. Unknown keys
// are a validation error: the grammar is closed on purpose.
func buildWhere(filterExpr, segmentLabel string) (string, []any, error) {
	terms, err := filter.Parse(filterExpr)
	if err != nil {
		return "", nil, errs.NewValidation("invalid member filter: %v", err)
	}
	if segmentLabel != "" {
		segTerms, err := filter.Parse(segmentLabel)
		if err != nil {
			return "", nil, errs.NewValidation("invalid segment filter: %v", err)
		}
		terms = append(terms, segTerms...)
	}

	where := "1 = 1"
	var args []any
	for _, t := range terms {
		switch t.Key {
		case "subscribed":
			want := t.Value == "true"
			if t.Negated {
				want = !want
			}
			where += " AND m.subscribed = ?"
			args = append(args, want)
		case "status":
			if !model.MemberStatus(t.Value).Valid() {
				return "", nil, errs.NewValidation("unknown member status %q", t.Value)
			}
			if t.Negated {
				where += " AND m.status != ?"
			} else {
				where += " AND m.status = ?"
			}
			args = append(args, t.Value)
		case "label":
			sub := `EXISTS (SELECT 1 FROM member_labels ml WHERE ml.member_id = m.id AND ml.label = ?)`
			if t.Negated {
				sub = "NOT " + sub
			}
			where += " AND " + sub
			args = append(args, t.Value)
		default:
			return "", nil, errs.NewValidation("unknown filter key %q", t.Key)
		}
	}
	return where, args, nil
}

func (r *MembersRepositoryImpl) CountByFilter(ctx context.Context, filterExpr string) (int, error) {
	where, args, err := buildWhere(filterExpr, "")
	if err != nil {
		return 0, err
	}
	var n int
	q := fmt.Sprintf(`SELECT COUNT(DISTINCT m.id) FROM members m WHERE %s`, where)
	if err := r.db.GetContext(ctx, &n, q, args...); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *MembersRepositoryImpl) ListByFilter(ctx context.Context, filterExpr, segmentLabel string) ([]model.Member, error) {
	where, args, err := buildWhere(filterExpr, segmentLabel)
	if err != nil {
		return nil, err
	}
	var rows []model.Member
	q := fmt.Sprintf(`SELECT DISTINCT %s FROM members m WHERE %s ORDER BY m.id`, audienceColumns, where)
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

const memberColumns = `id, uuid, email, name, status, subscribed, created_at, updated_at`

func (r *MembersRepositoryImpl) GetByUUID(ctx context.Context, uuid string) (*model.Member, error) {
	var m model.Member
	err := r.db.GetContext(ctx, &m,
		`SELECT `+memberColumns+` FROM members WHERE uuid = ? LIMIT 1`, uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MembersRepositoryImpl) GetByEmail(ctx context.Context, email string) (*model.Member, error) {
	var m model.Member
	err := r.db.GetContext(ctx, &m,
		`SELECT `+memberColumns+` FROM members WHERE email = ? LIMIT 1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MembersRepositoryImpl) UpdateSubscribed(ctx context.Context, id string, subscribed bool) (*model.Member, error) {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE members SET subscribed = ?, updated_at = NOW() WHERE id = ?
	`, subscribed, id); err != nil {
		return nil, err
	}

	var m model.Member
	if err := r.db.GetContext(ctx, &m,
		`SELECT `+memberColumns+` FROM members WHERE id = ? LIMIT 1`, id); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MembersRepositoryImpl) CountAll(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM members`)
	return n, err
}
