package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
)

const usersCollection = "users"

// activeEmailKey mirrors email while the record is not soft-deleted. A unique
// partial index on it gives the store-level uniqueness guarantee.
const activeEmailKey = "activeEmail"

// activeOwnerKey is present only on the live owner record. Its unique
// partial index admits one live owner.
const activeOwnerKey = "activeOwner"

// userDocument is the stored shape of a projection record.
type userDocument struct {
	ID                    string     `bson:"_id"`
	Name                  string     `bson:"name"`
	Email                 string     `bson:"email"`
	ActiveEmail           *string    `bson:"activeEmail,omitempty"`
	ActiveOwner           *bool      `bson:"activeOwner,omitempty"`
	Role                  string     `bson:"role"`
	RoleCategory          string     `bson:"roleCategory,omitempty"`
	RoleUpdatedAt         *time.Time `bson:"roleUpdatedAt,omitempty"`
	RoleCategoryUpdatedAt *time.Time `bson:"roleCategoryUpdatedAt,omitempty"`
	PhotoURL              string     `bson:"photoUrl,omitempty"`
	EmailVerified         bool       `bson:"emailVerified"`
	IsDisabled            bool       `bson:"isDisabled"`
	InviteStatus          string     `bson:"inviteStatus"`
	InviteSentAt          *time.Time `bson:"inviteSentAt,omitempty"`
	InviteRespondedAt     *time.Time `bson:"inviteRespondedAt,omitempty"`
	IsRegisteredOnERP     bool       `bson:"isRegisteredOnERP"`
	LinkedTo              string     `bson:"linkedTo,omitempty"`
	LinkedFrom            string     `bson:"linkedFrom,omitempty"`
	CreatedAt             time.Time  `bson:"createdAt"`
	UpdatedAt             time.Time  `bson:"updatedAt"`
	DeletedAt             *time.Time `bson:"deletedAt,omitempty"`
}

func toDocument(u *domain.User) userDocument {
	doc := userDocument{
		ID:                    u.ID,
		Name:                  u.Name,
		Email:                 u.Email,
		Role:                  u.Role.String(),
		RoleCategory:          u.RoleCategory,
		RoleUpdatedAt:         u.RoleUpdatedAt,
		RoleCategoryUpdatedAt: u.RoleCategoryUpdatedAt,
		PhotoURL:              u.PhotoURL,
		EmailVerified:         u.EmailVerified,
		IsDisabled:            u.IsDisabled,
		InviteStatus:          u.InviteStatus.String(),
		InviteSentAt:          u.InviteSentAt,
		InviteRespondedAt:     u.InviteRespondedAt,
		IsRegisteredOnERP:     u.IsRegisteredOnERP,
		LinkedTo:              u.LinkedTo,
		LinkedFrom:            u.LinkedFrom,
		CreatedAt:             u.CreatedAt,
		UpdatedAt:             u.UpdatedAt,
		DeletedAt:             u.DeletedAt,
	}
	if u.DeletedAt == nil {
		email := u.Email
		doc.ActiveEmail = &email
	}
	if liveOwner(u) {
		live := true
		doc.ActiveOwner = &live
	}
	return doc
}

func liveOwner(u *domain.User) bool {
	return u.IsOwner() && !u.IsDeleted()
}

func (d userDocument) toUser() (*domain.User, error) {
	role, err := domain.ParseRole(d.Role)
	if err != nil {
		return nil, fmt.Errorf("decode user %s: %w", d.ID, err)
	}
	status, err := domain.ParseInviteStatus(d.InviteStatus)
	if err != nil {
		return nil, fmt.Errorf("decode user %s: %w", d.ID, err)
	}
	return &domain.User{
		ID:                    d.ID,
		Name:                  d.Name,
		Email:                 d.Email,
		Role:                  role,
		RoleCategory:          d.RoleCategory,
		RoleUpdatedAt:         utcPtr(d.RoleUpdatedAt),
		RoleCategoryUpdatedAt: utcPtr(d.RoleCategoryUpdatedAt),
		PhotoURL:              d.PhotoURL,
		EmailVerified:         d.EmailVerified,
		IsDisabled:            d.IsDisabled,
		InviteStatus:          status,
		InviteSentAt:          utcPtr(d.InviteSentAt),
		InviteRespondedAt:     utcPtr(d.InviteRespondedAt),
		IsRegisteredOnERP:     d.IsRegisteredOnERP,
		LinkedTo:              d.LinkedTo,
		LinkedFrom:            d.LinkedFrom,
		CreatedAt:             d.CreatedAt.UTC(),
		UpdatedAt:             d.UpdatedAt.UTC(),
		DeletedAt:             utcPtr(d.DeletedAt),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// MongoUserRepository implements domain.UserRepository on a document collection.
type MongoUserRepository struct {
	coll   *mongo.Collection
	logger *slog.Logger
}

// NewMongoUserRepository creates a new user repository
func NewMongoUserRepository(db *mongo.Database, logger *slog.Logger) *MongoUserRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoUserRepository{
		coll:   db.Collection(usersCollection),
		logger: logger,
	}
}

// EnsureIndexes creates the unique active-email and active-owner indexes and the indexes
// backing the searchable fields. It is idempotent.
func (r *MongoUserRepository) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: activeEmailKey, Value: 1}},
			Options: options.Index().
				SetName("uniq_active_email").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{activeEmailKey: bson.M{"$exists": true}}),
		},
		{
			Keys: bson.D{{Key: activeOwnerKey, Value: 1}},
			Options: options.Index().
				SetName("uniq_active_owner").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{activeOwnerKey: bson.M{"$exists": true}}),
		},
	}
	for _, field := range []string{
		domain.FieldEmail,
		domain.FieldRole,
		domain.FieldRoleCategory,
		domain.FieldInviteStatus,
		domain.FieldIsDisabled,
	} {
		models = append(models, mongo.IndexModel{
			Keys:    bson.D{{Key: field, Value: 1}},
			Options: options.Index().SetName("idx_" + field),
		})
	}
	if _, err := r.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}
	return nil
}

func (r *MongoUserRepository) Create(ctx context.Context, user *domain.User) (*domain.User, error) {
	if _, err := r.coll.InsertOne(ctx, toDocument(user)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, duplicateKeyError(err, user.ID, user.Email)
		}
		r.logger.Error("failed to create user",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, domain.Infrastructure("create user", err)
	}
	return user.Clone(), nil
}

func (r *MongoUserRepository) Update(ctx context.Context, id string, patch domain.UserPatch) (*domain.User, error) {
	var current *domain.User
	if touchesIndexedState(patch) {
		var err error
		current, err = r.GetByID(ctx, id, domain.GetOptions{IncludeDeleted: true})
		if err != nil {
			return nil, err
		}
	}
	update := mongoUpdate(patch, current)
	if len(update) == 0 {
		return r.GetByID(ctx, id, domain.GetOptions{IncludeDeleted: true})
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc userDocument
	err := r.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound.WithContext("user_id", id)
		}
		if mongo.IsDuplicateKeyError(err) {
			email := ""
			if current != nil {
				email = current.Email
			}
			return nil, duplicateKeyError(err, id, email)
		}
		r.logger.Error("failed to update user",
			slog.String("user_id", id),
			slog.String("error", err.Error()),
		)
		return nil, domain.Infrastructure("update user", err)
	}
	return doc.toUser()
}

// touchesIndexedState reports whether patch can move a record into or out of
// the active-email or active-owner index.
func touchesIndexedState(patch domain.UserPatch) bool {
	return patch.ClearDeletedAt || patch.DeletedAt != nil || patch.Role != nil
}

// mongoUpdate builds the update document for patch. current is the stored
// record and is required when touchesIndexedState(patch).
func mongoUpdate(patch domain.UserPatch, current *domain.User) bson.M {
	set := bson.M{}
	unset := bson.M{}
	for field, value := range patch.Changes() {
		switch v := value.(type) {
		case domain.Role:
			set[field] = v.String()
		case domain.InviteStatus:
			set[field] = v.String()
		case *time.Time:
			// only a cleared deletedAt is reported as *time.Time
			unset[field] = ""
		default:
			set[field] = v
		}
	}
	if !patch.UpdatedAt.IsZero() {
		set[domain.FieldUpdatedAt] = patch.UpdatedAt
	}

	if current != nil && touchesIndexedState(patch) {
		after := current.Clone()
		patch.Apply(after)
		if after.IsDeleted() {
			unset[activeEmailKey] = ""
		} else {
			set[activeEmailKey] = after.Email
		}
		if liveOwner(after) {
			set[activeOwnerKey] = true
		} else {
			unset[activeOwnerKey] = ""
		}
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

// duplicateKeyError maps a unique index violation to its domain error.
func duplicateKeyError(err error, id, email string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, activeOwnerKey):
		return domain.ErrOwnerBootstrapRace.WithContext("user_id", id)
	case strings.Contains(msg, activeEmailKey):
		return domain.ErrEmailAlreadyInUse.WithContext("email", email)
	default:
		return domain.ErrDuplicateID.WithContext("user_id", id)
	}
}

func (r *MongoUserRepository) GetByID(ctx context.Context, id string, opts domain.GetOptions) (*domain.User, error) {
	filter := bson.M{"_id": id}
	if !opts.IncludeDeleted {
		filter[domain.FieldDeletedAt] = bson.M{"$exists": false}
	}
	var doc userDocument
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound.WithContext("user_id", id)
		}
		return nil, domain.Infrastructure("get user", err)
	}
	return doc.toUser()
}

func (r *MongoUserRepository) FindOne(ctx context.Context, where ...domain.Where) (*domain.User, error) {
	page, err := r.Find(ctx, domain.FindQuery{Where: where, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(page.Data) == 0 {
		return nil, domain.ErrNotFound
	}
	return page.Data[0], nil
}

func (r *MongoUserRepository) Find(ctx context.Context, q domain.FindQuery) (*domain.UserPage, error) {
	filter, err := mongoFilter(q)
	if err != nil {
		return nil, err
	}
	limit := q.PageSize()
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit + 1))

	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		r.logger.Error("failed to query users", slog.String("error", err.Error()))
		return nil, domain.Infrastructure("find users", err)
	}
	defer cur.Close(ctx)

	page := &domain.UserPage{Data: []*domain.User{}}
	for cur.Next(ctx) {
		var doc userDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, domain.Infrastructure("decode user", err)
		}
		if len(page.Data) == limit {
			page.NextCursor = page.Data[len(page.Data)-1].ID
			break
		}
		u, err := doc.toUser()
		if err != nil {
			return nil, domain.Infrastructure("decode user", err)
		}
		page.Data = append(page.Data, u)
	}
	if err := cur.Err(); err != nil {
		return nil, domain.Infrastructure("iterate users", err)
	}
	return page, nil
}

func mongoFilter(q domain.FindQuery) (bson.D, error) {
	filter := bson.D{}
	if !q.IncludeDeleted {
		filter = append(filter, bson.E{Key: domain.FieldDeletedAt, Value: bson.M{"$exists": false}})
	}
	if q.StartAfter != "" {
		filter = append(filter, bson.E{Key: "_id", Value: bson.M{"$gt": q.StartAfter}})
	}
	for _, w := range q.Where {
		key := w.Field
		value := w.Value
		switch v := w.Value.(type) {
		case domain.Role:
			value = v.String()
		case domain.InviteStatus:
			value = v.String()
		case string:
			if w.Field == domain.FieldEmail {
				value = domain.NormalizeEmail(v)
			}
		}
		if w.Field == domain.FieldID {
			key = "_id"
		}
		if !mongoFilterable[w.Field] {
			return nil, fmt.Errorf("field %q is not filterable", w.Field)
		}
		filter = append(filter, bson.E{Key: key, Value: value})
	}
	return filter, nil
}

var mongoFilterable = map[string]bool{
	domain.FieldID:                true,
	domain.FieldEmail:             true,
	domain.FieldRole:              true,
	domain.FieldRoleCategory:      true,
	domain.FieldInviteStatus:      true,
	domain.FieldIsDisabled:        true,
	domain.FieldIsRegisteredOnERP: true,
	domain.FieldEmailVerified:     true,
	domain.FieldLinkedTo:          true,
	domain.FieldLinkedFrom:        true,
}
