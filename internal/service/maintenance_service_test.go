package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/invariant"
)

func TestCleanupOrphans(t *testing.T) {
	h := newHarness(t)
	h.bootstrapOwner(t)
	ctx := context.Background()
	orphan, err := h.provider.NewClient().CreateAccount(ctx, "ghost@example.com", testPassword)
	require.NoError(t, err)

	m := NewMaintenanceService(h.users, h.provider, nil, nil).
		WithClock(func() time.Time { return time.Now().Add(time.Hour) })

	young, err := m.CleanupOrphans(ctx, OrphanOptions{DryRun: false, GracePeriod: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 2, young.Scanned)
	assert.Equal(t, 1, young.Skipped)
	assert.Empty(t, young.Deleted)

	dry, err := m.CleanupOrphans(ctx, OrphanOptions{DryRun: true})
	require.NoError(t, err)
	require.Len(t, dry.Orphans, 1)
	assert.Equal(t, orphan, dry.Orphans[0].SubjectID)
	assert.Empty(t, dry.Deleted)
	assert.Equal(t, 2, h.accountCount(t))

	applied, err := m.CleanupOrphans(ctx, OrphanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, applied.Deleted)
	assert.Equal(t, 1, h.accountCount(t))
}

func TestCleanupOrphansKeepsDeletedMembers(t *testing.T) {
	h := newHarness(t)
	h.bootstrapOwner(t)
	ctx := context.Background()
	h.invite(t, "emp@example.com", domain.RoleEmployee)
	member, err := h.session(t).SignUpWithInvite(ctx, "emp@example.com", testPassword)
	require.NoError(t, err)
	require.NoError(t, h.users.SoftDelete(ctx, member.ID))

	m := NewMaintenanceService(h.users, h.provider, nil, nil).
		WithClock(func() time.Time { return time.Now().Add(time.Hour) })
	report, err := m.CleanupOrphans(ctx, OrphanOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Orphans)
	assert.Empty(t, report.Deleted)
	assert.Equal(t, 2, h.accountCount(t))

	_, err = h.users.Restore(ctx, member.ID)
	require.NoError(t, err)
	back, err := h.session(t).SignIn(ctx, "emp@example.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, member.ID, back.ID)
}

func TestCleanupOrphansRemovesRolledBackSignUp(t *testing.T) {
	h := newHarness(t)
	h.bootstrapOwner(t)
	ctx := context.Background()
	invite := h.invite(t, "emp@example.com", domain.RoleEmployee)

	// a sign-up whose credential survived while its link was rolled back
	subject, err := h.provider.NewClient().CreateAccount(ctx, "emp@example.com", testPassword)
	require.NoError(t, err)
	require.NoError(t, h.users.LinkIdentity(ctx, invite.ID, subject))
	require.NoError(t, h.users.unlinkIdentity(ctx, invite.ID, subject))

	m := NewMaintenanceService(h.users, h.provider, nil, nil).
		WithClock(func() time.Time { return time.Now().Add(time.Hour) })
	report, err := m.CleanupOrphans(ctx, OrphanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{subject}, report.Deleted)
	assert.Equal(t, 1, h.accountCount(t))
}

func TestReconcileEmailsRetiresDuplicateInvites(t *testing.T) {
	h := newHarness(t)
	h.bootstrapOwner(t)
	ctx := context.Background()
	first := h.invite(t, "dup@example.com", domain.RoleEmployee)

	// a second invite written in the check-then-write window
	dup := first.Clone()
	dup.ID = PlaceholderPrefix + "zzz"
	_, err := h.repo.Create(ctx, dup)
	require.NoError(t, err)

	m := NewMaintenanceService(h.users, h.provider, nil, nil)
	report, err := m.ReconcileEmails(ctx, false)
	require.NoError(t, err)
	assert.Contains(t, report.Violations, invariant.RuleEmailUnique)
	require.Len(t, report.Duplicates, 1)
	assert.Equal(t, first.ID, report.Duplicates[0].KeepID)
	assert.Equal(t, []string{dup.ID}, report.Duplicates[0].OtherIDs)
	assert.Empty(t, report.Duplicates[0].RetiredIDs)

	report, err = m.ReconcileEmails(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{dup.ID}, report.Duplicates[0].RetiredIDs)

	clean, err := m.ReconcileEmails(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, clean.Duplicates)
	assert.Empty(t, clean.Violations)
}

func TestReconcileKeepsActivatedRecord(t *testing.T) {
	h := newHarness(t)
	h.bootstrapOwner(t)
	ctx := context.Background()
	h.invite(t, "emp@example.com", domain.RoleEmployee)
	member, err := h.session(t).SignUpWithInvite(ctx, "emp@example.com", testPassword)
	require.NoError(t, err)

	stray := &domain.User{
		ID:           PlaceholderPrefix + "000",
		Email:        "emp@example.com",
		Role:         domain.RoleClient,
		InviteStatus: domain.InviteInvited,
		InviteSentAt: &member.CreatedAt,
		CreatedAt:    member.CreatedAt.Add(-time.Hour),
		UpdatedAt:    member.CreatedAt,
	}
	_, err = h.repo.Create(ctx, stray)
	require.NoError(t, err)

	report, err := NewMaintenanceService(h.users, h.provider, nil, nil).ReconcileEmails(ctx, true)
	require.NoError(t, err)
	require.Len(t, report.Duplicates, 1)
	assert.Equal(t, member.ID, report.Duplicates[0].KeepID, "activated beats an older invite")
	assert.Equal(t, []string{stray.ID}, report.Duplicates[0].RetiredIDs)
}
