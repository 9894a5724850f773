package service

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/invariant"
	"github.com/aryan0dhankhar/accessgate/internal/observability/metrics"
	"github.com/aryan0dhankhar/accessgate/internal/security/audit"
)

// MaintenanceService runs operator-triggered repairs across both systems.
type MaintenanceService struct {
	users    *UserService
	accounts domain.AccountLister
	audit    *audit.Logger
	now      func() time.Time
	logger   *slog.Logger
}

func NewMaintenanceService(users *UserService, accounts domain.AccountLister, auditLog *audit.Logger, logger *slog.Logger) *MaintenanceService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MaintenanceService{
		users:    users,
		accounts: accounts,
		audit:    auditLog,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "maintenance")),
	}
}

// WithClock replaces the time source.
func (m *MaintenanceService) WithClock(now func() time.Time) *MaintenanceService {
	m.now = now
	return m
}

// OrphanOptions controls CleanupOrphans.
type OrphanOptions struct {
	// DryRun reports without deleting.
	DryRun bool
	// GracePeriod skips accounts younger than this; they may belong to a
	// sign-up still in flight.
	GracePeriod time.Duration
}

// OrphanReport is the outcome of CleanupOrphans.
type OrphanReport struct {
	Scanned int              `json:"scanned"`
	Orphans []domain.Account `json:"orphans"`
	Deleted []string         `json:"deleted"`
	Skipped int              `json:"skipped"`
	DryRun  bool             `json:"dryRun"`
}

// CleanupOrphans finds provider accounts that were never linked to a user
// and, unless DryRun, deletes those older than the grace period.
func (m *MaintenanceService) CleanupOrphans(ctx context.Context, opts OrphanOptions) (*OrphanReport, error) {
	report := &OrphanReport{Orphans: []domain.Account{}, Deleted: []string{}, DryRun: opts.DryRun}
	cutoff := m.now().Add(-opts.GracePeriod)

	cursor := ""
	for {
		page, err := m.accounts.ListAccounts(ctx, cursor, domain.MaxPageSize)
		if err != nil {
			metrics.ObserveMaintenance("orphans", "error")
			return nil, err
		}
		for _, acct := range page.Accounts {
			report.Scanned++
			orphan, err := m.isOrphan(ctx, acct.SubjectID)
			if err != nil {
				metrics.ObserveMaintenance("orphans", "error")
				return nil, err
			}
			if !orphan {
				continue
			}
			if acct.CreatedAt.After(cutoff) {
				report.Skipped++
				continue
			}
			report.Orphans = append(report.Orphans, acct)
			if opts.DryRun {
				continue
			}
			if err := m.accounts.DeleteAccount(ctx, acct.SubjectID); err != nil {
				m.logger.Error("failed to delete orphan account",
					slog.String("subject_id", acct.SubjectID),
					slog.String("error", err.Error()),
				)
				continue
			}
			report.Deleted = append(report.Deleted, acct.SubjectID)
			m.audit.LogAction(ctx, "delete_orphan", "account", acct.SubjectID, "ok", "")
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	metrics.ObserveMaintenance("orphans", "ok")
	m.logger.Info("orphan scan finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("orphans", len(report.Orphans)),
		slog.Int("deleted", len(report.Deleted)),
		slog.Bool("dry_run", opts.DryRun),
	)
	return report, nil
}

// isOrphan reports whether subjectID has no user behind it. An activated user
// keeps its credential while soft-deleted. A deleted record that never
// activated, such as a rolled back sign-up, does not.
func (m *MaintenanceService) isOrphan(ctx context.Context, subjectID string) (bool, error) {
	u, err := m.users.repo.GetByID(ctx, subjectID, domain.GetOptions{IncludeDeleted: true})
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return true, nil
		}
		return false, err
	}
	return u.IsDeleted() && u.InviteStatus != domain.InviteActivated, nil
}

// DuplicateGroup is one email shared by several active users.
type DuplicateGroup struct {
	Email      string   `json:"email"`
	KeepID     string   `json:"keepId"`
	OtherIDs   []string `json:"otherIds"`
	RetiredIDs []string `json:"retiredIds,omitempty"`
}

// EmailReport is the outcome of ReconcileEmails.
type EmailReport struct {
	Scanned    int              `json:"scanned"`
	Duplicates []DuplicateGroup `json:"duplicates"`
	Violations []string         `json:"violations,omitempty"`
	Resolved   bool             `json:"resolved"`
}

// ReconcileEmails finds active users sharing an email. With resolve set it
// retires duplicates that are still unaccepted invites; anything else is
// only reported.
func (m *MaintenanceService) ReconcileEmails(ctx context.Context, resolve bool) (*EmailReport, error) {
	all, err := m.activeUsers(ctx)
	if err != nil {
		metrics.ObserveMaintenance("reconcile_emails", "error")
		return nil, err
	}
	report := &EmailReport{Scanned: len(all), Duplicates: []DuplicateGroup{}, Resolved: resolve}
	for _, check := range []func([]*domain.User) error{invariant.SingleOwner, invariant.UniqueEmails} {
		if err := check(all); err != nil {
			report.Violations = append(report.Violations, domain.RuleOf(err))
		}
	}

	byEmail := map[string][]*domain.User{}
	for _, u := range all {
		byEmail[u.Email] = append(byEmail[u.Email], u)
	}
	emails := make([]string, 0, len(byEmail))
	for email, group := range byEmail {
		if len(group) > 1 {
			emails = append(emails, email)
		}
	}
	sort.Strings(emails)

	duplicates := 0
	for _, email := range emails {
		group := byEmail[email]
		keep := canonical(group)
		dg := DuplicateGroup{Email: email, KeepID: keep.ID}
		for _, u := range group {
			if u.ID == keep.ID {
				continue
			}
			dg.OtherIDs = append(dg.OtherIDs, u.ID)
			duplicates++
			if !resolve || !retirable(u) {
				continue
			}
			if err := m.users.SoftDelete(ctx, u.ID); err != nil {
				m.logger.Warn("failed to retire duplicate invite",
					slog.String("user_id", u.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			dg.RetiredIDs = append(dg.RetiredIDs, u.ID)
			duplicates--
		}
		report.Duplicates = append(report.Duplicates, dg)
	}

	metrics.SetDuplicateEmails(duplicates)
	metrics.ObserveMaintenance("reconcile_emails", "ok")
	if len(report.Duplicates) > 0 {
		m.logger.Warn("duplicate emails found",
			slog.Int("groups", len(report.Duplicates)),
			slog.Int("unresolved", duplicates),
		)
	}
	return report, nil
}

func (m *MaintenanceService) activeUsers(ctx context.Context) ([]*domain.User, error) {
	var all []*domain.User
	cursor := ""
	for {
		page, err := m.users.repo.Find(ctx, domain.FindQuery{Limit: domain.MaxPageSize, StartAfter: cursor})
		if err != nil {
			return nil, err
		}
		all = append(all, page.Data...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// canonical picks the record to keep: the owner, else an activated user,
// else the earliest.
func canonical(group []*domain.User) *domain.User {
	rank := func(u *domain.User) int {
		switch {
		case u.IsOwner():
			return 0
		case u.InviteStatus == domain.InviteActivated:
			return 1
		default:
			return 2
		}
	}
	best := group[0]
	for _, u := range group[1:] {
		ru, rb := rank(u), rank(best)
		if ru < rb || (ru == rb && (u.CreatedAt.Before(best.CreatedAt) ||
			(u.CreatedAt.Equal(best.CreatedAt) && u.ID < best.ID))) {
			best = u
		}
	}
	return best
}

func retirable(u *domain.User) bool {
	return !u.IsOwner() && u.InviteStatus == domain.InviteInvited &&
		!u.IsRegisteredOnERP && u.LinkedFrom == ""
}
