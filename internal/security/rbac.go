// Package security is the single place role decisions are made. Handlers and
// the session service ask it; nothing else compares roles.
package security

import (
	"context"
	"log/slog"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/security/audit"
)

// Permission represents an action permission
type Permission string

const (
	PermInviteUsers   Permission = "invite_users"
	PermSearchUsers   Permission = "search_users"
	PermReadUsers     Permission = "read_users"
	PermManageRoles   Permission = "manage_roles"
	PermManageStatus  Permission = "manage_status"
	PermDeleteUsers   Permission = "delete_users"
	PermRestoreUsers  Permission = "restore_users"
	PermManageInvites Permission = "manage_invites"
	PermEditProfiles  Permission = "edit_profiles"
	PermMaintenance   Permission = "maintenance"
)

// AllowSet is a set of roles admitted by a check.
type AllowSet map[domain.Role]struct{}

// Allow builds an AllowSet.
func Allow(roles ...domain.Role) AllowSet {
	s := make(AllowSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

func (s AllowSet) Has(r domain.Role) bool {
	_, ok := s[r]
	return ok
}

var (
	OwnerOnly = Allow(domain.RoleOwner)
	Staff     = Allow(domain.RoleOwner, domain.RoleManager)
	Members   = Allow(domain.RoleOwner, domain.RoleManager, domain.RoleEmployee)
	Everyone  = Allow(domain.Roles...)
)

// RolePermissions maps permissions to the roles holding them. Managers and
// employees act on themselves only, through CheckSelf.
var RolePermissions = map[Permission]AllowSet{
	PermInviteUsers:   Staff,
	PermSearchUsers:   Staff,
	PermReadUsers:     Staff,
	PermManageRoles:   OwnerOnly,
	PermManageStatus:  OwnerOnly,
	PermDeleteUsers:   OwnerOnly,
	PermRestoreUsers:  OwnerOnly,
	PermManageInvites: OwnerOnly,
	PermEditProfiles:  OwnerOnly,
	PermMaintenance:   OwnerOnly,
}

// CheckRole admits u when its role is in set.
func CheckRole(u *domain.User, set AllowSet) error {
	if u == nil {
		return domain.ErrNotAuthenticated
	}
	if !set.Has(u.Role) {
		return domain.NewError(domain.KindNotAuthorized, "not_authorized", "role is not allowed").
			WithContext("role", u.Role.String())
	}
	return nil
}

// CheckOwner admits the owner only.
func CheckOwner(u *domain.User) error {
	if u == nil {
		return domain.ErrNotAuthenticated
	}
	if !u.IsOwner() {
		return domain.NewError(domain.KindNotOwner, "not_owner", "only the owner may do this")
	}
	return nil
}

// CheckSelf admits u acting on its own record.
func CheckSelf(u *domain.User, targetID string) error {
	if u == nil {
		return domain.ErrNotAuthenticated
	}
	if u.ID != targetID {
		return domain.NewError(domain.KindNotSelf, "not_self", "users may only act on their own record").
			WithContext("target_id", targetID)
	}
	return nil
}

// AuthorizationService handles authorization checks
type AuthorizationService struct {
	audit  *audit.Logger
	logger *slog.Logger
}

// NewAuthorizationService creates a new authorization service
func NewAuthorizationService(auditLog *audit.Logger, logger *slog.Logger) *AuthorizationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthorizationService{audit: auditLog, logger: logger}
}

// HasPermission checks if a role has a specific permission
func (as *AuthorizationService) HasPermission(role domain.Role, permission Permission) bool {
	set, ok := RolePermissions[permission]
	return ok && set.Has(role)
}

// Authorize checks that u holds permission. Owner-only permissions fail with
// KindNotOwner, others with KindNotAuthorized.
func (as *AuthorizationService) Authorize(ctx context.Context, u *domain.User, permission Permission) error {
	set, ok := RolePermissions[permission]
	if !ok {
		set = AllowSet{}
	}
	var err error
	if len(set) == 1 && set.Has(domain.RoleOwner) {
		err = CheckOwner(u)
	} else {
		err = CheckRole(u, set)
	}
	if err != nil {
		as.deny(ctx, u, string(permission), err)
	}
	return err
}

// AuthorizeSelfOr admits u acting on its own record, or holding permission.
func (as *AuthorizationService) AuthorizeSelfOr(ctx context.Context, u *domain.User, targetID string, permission Permission) error {
	if CheckSelf(u, targetID) == nil {
		return nil
	}
	if as.HasPermission(roleOf(u), permission) {
		return nil
	}
	err := CheckSelf(u, targetID)
	as.deny(ctx, u, string(permission), err)
	return err
}

func (as *AuthorizationService) deny(ctx context.Context, u *domain.User, permission string, err error) {
	as.logger.Warn("permission denied",
		slog.String("user_id", idOf(u)),
		slog.String("role", roleOf(u).String()),
		slog.String("permission", permission),
	)
	as.audit.LogDenied(ctx, permission, domain.KindOf(err).String())
}

func roleOf(u *domain.User) domain.Role {
	if u == nil {
		return domain.RoleUnknown
	}
	return u.Role
}

func idOf(u *domain.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
