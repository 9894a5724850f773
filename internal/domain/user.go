package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of account roles.
type Role int

const (
	RoleUnknown Role = iota
	RoleOwner
	RoleManager
	RoleEmployee
	RoleClient
)

// Roles lists every assignable and non-assignable role.
var Roles = []Role{RoleOwner, RoleManager, RoleEmployee, RoleClient}

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleManager:
		return "manager"
	case RoleEmployee:
		return "employee"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// Valid reports whether r is one of the four defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleManager, RoleEmployee, RoleClient:
		return true
	default:
		return false
	}
}

// ParseRole parses the wire form of a role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "owner":
		return RoleOwner, nil
	case "manager":
		return RoleManager, nil
	case "employee":
		return RoleEmployee, nil
	case "client":
		return RoleClient, nil
	default:
		return RoleUnknown, fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// InviteStatus tracks onboarding progress.
type InviteStatus int

const (
	InviteUnknown InviteStatus = iota
	InviteInvited
	InviteActivated
	InviteRevoked
)

func (s InviteStatus) String() string {
	switch s {
	case InviteInvited:
		return "invited"
	case InviteActivated:
		return "activated"
	case InviteRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

func (s InviteStatus) Valid() bool {
	switch s {
	case InviteInvited, InviteActivated, InviteRevoked:
		return true
	default:
		return false
	}
}

func ParseInviteStatus(s string) (InviteStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "invited":
		return InviteInvited, nil
	case "activated":
		return InviteActivated, nil
	case "revoked":
		return InviteRevoked, nil
	default:
		return InviteUnknown, fmt.Errorf("unknown invite status %q", s)
	}
}

func (s InviteStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid invite status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *InviteStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseInviteStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// User is the projection record every RBAC decision is made against.
type User struct {
	ID                    string       `json:"id"`
	Name                  string       `json:"name"`
	Email                 string       `json:"email"`
	Role                  Role         `json:"role"`
	RoleCategory          string       `json:"roleCategory,omitempty"`
	RoleUpdatedAt         *time.Time   `json:"roleUpdatedAt,omitempty"`
	RoleCategoryUpdatedAt *time.Time   `json:"roleCategoryUpdatedAt,omitempty"`
	PhotoURL              string       `json:"photoUrl,omitempty"`
	EmailVerified         bool         `json:"emailVerified"`
	IsDisabled            bool         `json:"isDisabled"`
	InviteStatus          InviteStatus `json:"inviteStatus"`
	InviteSentAt          *time.Time   `json:"inviteSentAt,omitempty"`
	InviteRespondedAt     *time.Time   `json:"inviteRespondedAt,omitempty"`
	IsRegisteredOnERP     bool         `json:"isRegisteredOnERP"`
	LinkedTo              string       `json:"linkedTo,omitempty"`
	LinkedFrom            string       `json:"linkedFrom,omitempty"`
	CreatedAt             time.Time    `json:"createdAt"`
	UpdatedAt             time.Time    `json:"updatedAt"`
	DeletedAt             *time.Time   `json:"deletedAt,omitempty"`
}

// IsDeleted reports whether the record is soft-deleted.
func (u *User) IsDeleted() bool {
	return u.DeletedAt != nil
}

// IsOwner reports whether the record holds the owner role.
func (u *User) IsOwner() bool {
	return u.Role == RoleOwner
}

// Clone returns a deep copy so snapshots never alias store state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	out.RoleUpdatedAt = cloneTime(u.RoleUpdatedAt)
	out.RoleCategoryUpdatedAt = cloneTime(u.RoleCategoryUpdatedAt)
	out.InviteSentAt = cloneTime(u.InviteSentAt)
	out.InviteRespondedAt = cloneTime(u.InviteRespondedAt)
	out.DeletedAt = cloneTime(u.DeletedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NormalizeEmail is the canonical comparison form of an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Field names shared by patches, filters and store mappings.
const (
	FieldID                    = "id"
	FieldName                  = "name"
	FieldEmail                 = "email"
	FieldRole                  = "role"
	FieldRoleCategory          = "roleCategory"
	FieldRoleUpdatedAt         = "roleUpdatedAt"
	FieldRoleCategoryUpdatedAt = "roleCategoryUpdatedAt"
	FieldPhotoURL              = "photoUrl"
	FieldEmailVerified         = "emailVerified"
	FieldIsDisabled            = "isDisabled"
	FieldInviteStatus          = "inviteStatus"
	FieldInviteSentAt          = "inviteSentAt"
	FieldInviteRespondedAt     = "inviteRespondedAt"
	FieldIsRegisteredOnERP     = "isRegisteredOnERP"
	FieldLinkedTo              = "linkedTo"
	FieldLinkedFrom            = "linkedFrom"
	FieldCreatedAt             = "createdAt"
	FieldUpdatedAt             = "updatedAt"
	FieldDeletedAt             = "deletedAt"
)

// UserPatch is a partial update. Nil fields are left untouched.
type UserPatch struct {
	Name                  *string
	Role                  *Role
	RoleCategory          *string
	RoleUpdatedAt         *time.Time
	RoleCategoryUpdatedAt *time.Time
	PhotoURL              *string
	EmailVerified         *bool
	IsDisabled            *bool
	InviteStatus          *InviteStatus
	InviteSentAt          *time.Time
	InviteRespondedAt     *time.Time
	IsRegisteredOnERP     *bool
	LinkedTo              *string
	DeletedAt             *time.Time
	// ClearDeletedAt restores a soft-deleted record.
	ClearDeletedAt bool
	UpdatedAt      time.Time
}

// Empty reports whether the patch changes nothing besides UpdatedAt.
func (p UserPatch) Empty() bool {
	return len(p.Changes()) == 0
}

// Changes lists the set fields keyed by field name. A cleared DeletedAt
// is reported as a nil *time.Time.
func (p UserPatch) Changes() map[string]any {
	out := map[string]any{}
	if p.Name != nil {
		out[FieldName] = *p.Name
	}
	if p.Role != nil {
		out[FieldRole] = *p.Role
	}
	if p.RoleCategory != nil {
		out[FieldRoleCategory] = *p.RoleCategory
	}
	if p.RoleUpdatedAt != nil {
		out[FieldRoleUpdatedAt] = *p.RoleUpdatedAt
	}
	if p.RoleCategoryUpdatedAt != nil {
		out[FieldRoleCategoryUpdatedAt] = *p.RoleCategoryUpdatedAt
	}
	if p.PhotoURL != nil {
		out[FieldPhotoURL] = *p.PhotoURL
	}
	if p.EmailVerified != nil {
		out[FieldEmailVerified] = *p.EmailVerified
	}
	if p.IsDisabled != nil {
		out[FieldIsDisabled] = *p.IsDisabled
	}
	if p.InviteStatus != nil {
		out[FieldInviteStatus] = *p.InviteStatus
	}
	if p.InviteSentAt != nil {
		out[FieldInviteSentAt] = *p.InviteSentAt
	}
	if p.InviteRespondedAt != nil {
		out[FieldInviteRespondedAt] = *p.InviteRespondedAt
	}
	if p.IsRegisteredOnERP != nil {
		out[FieldIsRegisteredOnERP] = *p.IsRegisteredOnERP
	}
	if p.LinkedTo != nil {
		out[FieldLinkedTo] = *p.LinkedTo
	}
	if p.ClearDeletedAt {
		out[FieldDeletedAt] = (*time.Time)(nil)
	} else if p.DeletedAt != nil {
		out[FieldDeletedAt] = *p.DeletedAt
	}
	return out
}

// Apply writes the patch onto u in place.
func (p UserPatch) Apply(u *User) {
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Role != nil {
		u.Role = *p.Role
	}
	if p.RoleCategory != nil {
		u.RoleCategory = *p.RoleCategory
	}
	if p.RoleUpdatedAt != nil {
		u.RoleUpdatedAt = cloneTime(p.RoleUpdatedAt)
	}
	if p.RoleCategoryUpdatedAt != nil {
		u.RoleCategoryUpdatedAt = cloneTime(p.RoleCategoryUpdatedAt)
	}
	if p.PhotoURL != nil {
		u.PhotoURL = *p.PhotoURL
	}
	if p.EmailVerified != nil {
		u.EmailVerified = *p.EmailVerified
	}
	if p.IsDisabled != nil {
		u.IsDisabled = *p.IsDisabled
	}
	if p.InviteStatus != nil {
		u.InviteStatus = *p.InviteStatus
	}
	if p.InviteSentAt != nil {
		u.InviteSentAt = cloneTime(p.InviteSentAt)
	}
	if p.InviteRespondedAt != nil {
		u.InviteRespondedAt = cloneTime(p.InviteRespondedAt)
	}
	if p.IsRegisteredOnERP != nil {
		u.IsRegisteredOnERP = *p.IsRegisteredOnERP
	}
	if p.LinkedTo != nil {
		u.LinkedTo = *p.LinkedTo
	}
	if p.ClearDeletedAt {
		u.DeletedAt = nil
	} else if p.DeletedAt != nil {
		u.DeletedAt = cloneTime(p.DeletedAt)
	}
	if !p.UpdatedAt.IsZero() {
		u.UpdatedAt = p.UpdatedAt
	}
}

// Where is an equality filter on a single field.
type Where struct {
	Field string
	Value any
}

// Eq builds a Where clause.
func Eq(field string, value any) Where {
	return Where{Field: field, Value: value}
}

// Matches reports whether u satisfies the clause. Unknown fields never match.
func (w Where) Matches(u *User) bool {
	switch w.Field {
	case FieldID:
		return u.ID == w.Value
	case FieldEmail:
		s, ok := w.Value.(string)
		return ok && u.Email == NormalizeEmail(s)
	case FieldRole:
		return u.Role == w.Value
	case FieldRoleCategory:
		return u.RoleCategory == w.Value
	case FieldInviteStatus:
		return u.InviteStatus == w.Value
	case FieldIsDisabled:
		return u.IsDisabled == w.Value
	case FieldIsRegisteredOnERP:
		return u.IsRegisteredOnERP == w.Value
	case FieldEmailVerified:
		return u.EmailVerified == w.Value
	case FieldLinkedTo:
		return u.LinkedTo == w.Value
	case FieldLinkedFrom:
		return u.LinkedFrom == w.Value
	default:
		return false
	}
}

// GetOptions controls single-record reads.
type GetOptions struct {
	IncludeDeleted bool
}

// FindQuery is a paginated filtered read ordered by id.
type FindQuery struct {
	Where          []Where
	Limit          int
	StartAfter     string
	IncludeDeleted bool
}

// Page size bounds for Find.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// PageSize clamps Limit to [1, MaxPageSize], defaulting to DefaultPageSize.
func (q FindQuery) PageSize() int {
	switch {
	case q.Limit <= 0:
		return DefaultPageSize
	case q.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return q.Limit
	}
}

// UserPage is one page of a Find.
type UserPage struct {
	Data       []*User `json:"data"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// UserRepository is the projection store contract.
type UserRepository interface {
	// Create fails with ErrDuplicateID if the id exists, and with
	// ErrEmailAlreadyInUse where the store enforces active-email uniqueness.
	Create(ctx context.Context, user *User) (*User, error)
	// Update applies patch and returns the stored record; ErrNotFound if absent.
	Update(ctx context.Context, id string, patch UserPatch) (*User, error)
	// GetByID returns ErrNotFound if absent, or soft-deleted without IncludeDeleted.
	GetByID(ctx context.Context, id string, opts GetOptions) (*User, error)
	// FindOne returns the first non-deleted match or ErrNotFound.
	FindOne(ctx context.Context, where ...Where) (*User, error)
	Find(ctx context.Context, q FindQuery) (*UserPage, error)
}
