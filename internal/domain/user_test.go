package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoleRoundTrip(t *testing.T) {
	for _, r := range Roles {
		parsed, err := ParseRole(" " + r.String() + " ")
		require.NoError(t, err)
		assert.Equal(t, r, parsed)
	}
	_, err := ParseRole("admin")
	assert.Error(t, err)
}

func TestRoleTextUnmarshalRejectsUnknown(t *testing.T) {
	var r Role
	assert.Error(t, r.UnmarshalText([]byte("superuser")))
	require.NoError(t, r.UnmarshalText([]byte("Manager")))
	assert.Equal(t, RoleManager, r)
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "a@x.com", NormalizeEmail("  A@X.com "))
}

func TestPatchChangesAndApply(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	deleted := now.Add(-time.Hour)
	u := &User{ID: "u1", Name: "old", DeletedAt: &deleted}

	name := "new"
	disabled := true
	patch := UserPatch{Name: &name, IsDisabled: &disabled, ClearDeletedAt: true, UpdatedAt: now}

	changes := patch.Changes()
	assert.Equal(t, "new", changes[FieldName])
	assert.Equal(t, true, changes[FieldIsDisabled])
	assert.Nil(t, changes[FieldDeletedAt])
	assert.Contains(t, changes, FieldDeletedAt)
	assert.False(t, patch.Empty())

	patch.Apply(u)
	assert.Equal(t, "new", u.Name)
	assert.True(t, u.IsDisabled)
	assert.Nil(t, u.DeletedAt)
	assert.Equal(t, now, u.UpdatedAt)

	assert.True(t, UserPatch{UpdatedAt: now}.Empty())
}

func TestCloneIsDeep(t *testing.T) {
	sent := time.Now()
	u := &User{ID: "u1", InviteSentAt: &sent}
	c := u.Clone()
	*c.InviteSentAt = sent.Add(time.Hour)
	assert.Equal(t, sent, *u.InviteSentAt)
	assert.Nil(t, (*User)(nil).Clone())
}

func TestWhereMatchesNormalizesEmail(t *testing.T) {
	u := &User{Email: "a@x.com", Role: RoleEmployee}
	assert.True(t, Eq(FieldEmail, "A@X.COM").Matches(u))
	assert.True(t, Eq(FieldRole, RoleEmployee).Matches(u))
	assert.False(t, Eq("phone", "123").Matches(u))
}

func TestFindQueryPageSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, FindQuery{}.PageSize())
	assert.Equal(t, MaxPageSize, FindQuery{Limit: MaxPageSize + 1}.PageSize())
	assert.Equal(t, 7, FindQuery{Limit: 7}.PageSize())
}
