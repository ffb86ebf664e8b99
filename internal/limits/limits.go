package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/tkhasanov/newsletter-engine/internal/errs"
)

const (
	ResourceEmails  = "emails"
	ResourceMembers = "members"
)

// Service enforces host-level resource caps. Checks are advisory reads, not
// reservations: concurrent sends can transiently exceed a cap. Accepted
// limitation, documented in DESIGN.md.
type Service interface {
	IsDisabled(resource string) bool
	ErrorIfWouldGoOverLimit(ctx context.Context, resource string, added int) error
	ErrorIfIsOverLimit(ctx context.Context, resource string) error
}

// EmailUsageReader reports recipient counts consumed inside the rolling quota
// window.
type EmailUsageReader interface {
	SumEmailCountSince(ctx context.Context, since time.Time) (int, error)
}

// MemberCounter reports the current audience size.
type MemberCounter interface {
	CountAll(ctx context.Context) (int, error)
}

type Config struct {
	EmailsDisabled bool
	MaxEmails      int // 0 = unlimited
	MaxMembers     int // 0 = unlimited
	EmailsPeriod   time.Duration
}

type HostLimits struct {
	cfg     Config
	emails  EmailUsageReader
	members MemberCounter
}

func New(cfg Config, emails EmailUsageReader, members MemberCounter) *HostLimits {
	if cfg.EmailsPeriod <= 0 {
		cfg.EmailsPeriod = 30 * 24 * time.Hour
	}
	return &HostLimits{cfg: cfg, emails: emails, members: members}
}

var _ Service = (*HostLimits)(nil)

func (l *HostLimits) IsDisabled(resource string) bool {
	return resource == ResourceEmails && l.cfg.EmailsDisabled
}

func (l *HostLimits) ErrorIfWouldGoOverLimit(ctx context.Context, resource string, added int) error {
	switch resource {
	case ResourceEmails:
		if l.cfg.MaxEmails <= 0 {
			return nil
		}
		used, err := l.emails.SumEmailCountSince(ctx, time.Now().Add(-l.cfg.EmailsPeriod))
		if err != nil {
			return fmt.Errorf("read email usage: %w", err)
		}
		if used+added > l.cfg.MaxEmails {
			return errs.NewHostLimit(ResourceEmails,
				"sending would exceed the plan limit of %d emails (used %d, requested %d)",
				l.cfg.MaxEmails, used, added)
		}
		return nil
	case ResourceMembers:
		return l.memberCheck(ctx, added)
	default:
		return nil
	}
}

func (l *HostLimits) ErrorIfIsOverLimit(ctx context.Context, resource string) error {
	return l.ErrorIfWouldGoOverLimit(ctx, resource, 0)
}

func (l *HostLimits) memberCheck(ctx context.Context, added int) error {
	if l.cfg.MaxMembers <= 0 {
		return nil
	}
	count, err := l.members.CountAll(ctx)
	if err != nil {
		return fmt.Errorf("count members: %w", err)
	}
	if count+added > l.cfg.MaxMembers {
		return errs.NewHostLimit(ResourceMembers,
			"the plan allows at most %d members (currently %d)", l.cfg.MaxMembers, count)
	}
	return nil
}
