package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
)

func TestMongoDocumentRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	later := at.Add(time.Hour)
	u := &domain.User{
		ID:                    "sub-1",
		Name:                  "Ana",
		Email:                 "ana@example.com",
		Role:                  domain.RoleManager,
		RoleCategory:          "sales",
		RoleUpdatedAt:         &later,
		RoleCategoryUpdatedAt: &later,
		PhotoURL:              "https://cdn.example.com/ana.png",
		EmailVerified:         true,
		InviteStatus:          domain.InviteActivated,
		InviteSentAt:          &at,
		InviteRespondedAt:     &later,
		IsRegisteredOnERP:     true,
		LinkedFrom:            "placeholder-1",
		CreatedAt:             at,
		UpdatedAt:             later,
	}

	doc := toDocument(u)
	assert.Equal(t, "manager", doc.Role)
	assert.Equal(t, "activated", doc.InviteStatus)

	back, err := doc.toUser()
	require.NoError(t, err)
	assert.Equal(t, u, back)
}

func TestMongoDocumentIndexKeys(t *testing.T) {
	deleted := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	deletedOwner := owner("o1", "o@example.com")
	deletedOwner.DeletedAt = &deleted
	deletedMember := newUser("u2", "b@example.com")
	deletedMember.DeletedAt = &deleted

	tests := []struct {
		name        string
		user        *domain.User
		activeEmail bool
		activeOwner bool
	}{
		{name: "live member", user: newUser("u1", "a@example.com"), activeEmail: true},
		{name: "deleted member", user: deletedMember},
		{name: "live owner", user: owner("o1", "o@example.com"), activeEmail: true, activeOwner: true},
		{name: "deleted owner", user: deletedOwner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := toDocument(tt.user)
			if tt.activeEmail {
				require.NotNil(t, doc.ActiveEmail)
				assert.Equal(t, tt.user.Email, *doc.ActiveEmail)
			} else {
				assert.Nil(t, doc.ActiveEmail)
			}
			if tt.activeOwner {
				require.NotNil(t, doc.ActiveOwner)
				assert.True(t, *doc.ActiveOwner)
			} else {
				assert.Nil(t, doc.ActiveOwner)
			}
		})
	}
}

func TestMongoDocumentRejectsUnknownEnums(t *testing.T) {
	doc := toDocument(newUser("u1", "a@example.com"))
	doc.Role = "admin"
	_, err := doc.toUser()
	assert.Error(t, err)

	doc = toDocument(newUser("u1", "a@example.com"))
	doc.InviteStatus = "pending"
	_, err = doc.toUser()
	assert.Error(t, err)
}

func TestMongoFilter(t *testing.T) {
	tests := []struct {
		name    string
		query   domain.FindQuery
		want    bson.D
		wantErr bool
	}{
		{
			name:  "active records only",
			query: domain.FindQuery{},
			want:  bson.D{{Key: domain.FieldDeletedAt, Value: bson.M{"$exists": false}}},
		},
		{
			name:  "include deleted",
			query: domain.FindQuery{IncludeDeleted: true},
			want:  bson.D{},
		},
		{
			name:  "id maps to _id after the cursor",
			query: domain.FindQuery{IncludeDeleted: true, StartAfter: "u0", Where: []domain.Where{domain.Eq(domain.FieldID, "u1")}},
			want: bson.D{
				{Key: "_id", Value: bson.M{"$gt": "u0"}},
				{Key: "_id", Value: "u1"},
			},
		},
		{
			name: "enums are stored as strings",
			query: domain.FindQuery{IncludeDeleted: true, Where: []domain.Where{
				domain.Eq(domain.FieldRole, domain.RoleOwner),
				domain.Eq(domain.FieldInviteStatus, domain.InviteRevoked),
			}},
			want: bson.D{
				{Key: domain.FieldRole, Value: "owner"},
				{Key: domain.FieldInviteStatus, Value: "revoked"},
			},
		},
		{
			name:  "email is normalized",
			query: domain.FindQuery{IncludeDeleted: true, Where: []domain.Where{domain.Eq(domain.FieldEmail, " A@Example.COM ")}},
			want:  bson.D{{Key: domain.FieldEmail, Value: "a@example.com"}},
		},
		{
			name:  "booleans pass through",
			query: domain.FindQuery{IncludeDeleted: true, Where: []domain.Where{domain.Eq(domain.FieldIsDisabled, true)}},
			want:  bson.D{{Key: domain.FieldIsDisabled, Value: true}},
		},
		{
			name:    "name is not filterable",
			query:   domain.FindQuery{Where: []domain.Where{domain.Eq(domain.FieldName, "x")}},
			wantErr: true,
		},
		{
			name:    "unknown field",
			query:   domain.FindQuery{Where: []domain.Where{domain.Eq("password", "x")}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mongoFilter(tt.query)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMongoUpdate(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	name := "Ana"
	manager := domain.RoleManager
	activated := domain.InviteActivated

	deletedMember := newUser("u1", "a@example.com")
	deletedMember.DeletedAt = &now
	deletedOwner := owner("o1", "o@example.com")
	deletedOwner.DeletedAt = &now

	tests := []struct {
		name    string
		patch   domain.UserPatch
		current *domain.User
		want    bson.M
	}{
		{
			name:  "empty patch",
			patch: domain.UserPatch{},
			want:  bson.M{},
		},
		{
			name:  "plain fields leave the indexes alone",
			patch: domain.UserPatch{Name: &name, InviteStatus: &activated, UpdatedAt: now},
			want: bson.M{"$set": bson.M{
				domain.FieldName:         "Ana",
				domain.FieldInviteStatus: "activated",
				domain.FieldUpdatedAt:    now,
			}},
		},
		{
			name:    "soft delete drops both index keys",
			patch:   domain.UserPatch{DeletedAt: &now},
			current: owner("o1", "o@example.com"),
			want: bson.M{
				"$set":   bson.M{domain.FieldDeletedAt: now},
				"$unset": bson.M{activeEmailKey: "", activeOwnerKey: ""},
			},
		},
		{
			name:    "restore of a member sets active email",
			patch:   domain.UserPatch{ClearDeletedAt: true},
			current: deletedMember,
			want: bson.M{
				"$set":   bson.M{activeEmailKey: "a@example.com"},
				"$unset": bson.M{domain.FieldDeletedAt: "", activeOwnerKey: ""},
			},
		},
		{
			name:    "restore of an owner claims the owner key",
			patch:   domain.UserPatch{ClearDeletedAt: true},
			current: deletedOwner,
			want: bson.M{
				"$set":   bson.M{activeEmailKey: "o@example.com", activeOwnerKey: true},
				"$unset": bson.M{domain.FieldDeletedAt: ""},
			},
		},
		{
			name:    "role change on a live member",
			patch:   domain.UserPatch{Role: &manager},
			current: newUser("u1", "a@example.com"),
			want: bson.M{
				"$set":   bson.M{domain.FieldRole: "manager", activeEmailKey: "a@example.com"},
				"$unset": bson.M{activeOwnerKey: ""},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mongoUpdate(tt.patch, tt.current))
		})
	}
}

func TestDuplicateKeyError(t *testing.T) {
	dup := func(msg string) error {
		return mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: msg}}}
	}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "owner index",
			err:  dup(`E11000 duplicate key error collection: accessgate.users index: uniq_active_owner dup key: { activeOwner: true }`),
			want: domain.ErrOwnerBootstrapRace,
		},
		{
			name: "email index",
			err:  dup(`E11000 duplicate key error collection: accessgate.users index: uniq_active_email dup key: { activeEmail: "a@example.com" }`),
			want: domain.ErrEmailAlreadyInUse,
		},
		{
			name: "primary key",
			err:  dup(`E11000 duplicate key error collection: accessgate.users index: _id_ dup key: { _id: "u1" }`),
			want: domain.ErrDuplicateID,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.True(t, mongo.IsDuplicateKeyError(tt.err))
			assert.ErrorIs(t, duplicateKeyError(tt.err, "u1", "a@example.com"), tt.want)
		})
	}
}
