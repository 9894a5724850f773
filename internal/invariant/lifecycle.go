package invariant

import (
	"github.com/aryan0dhankhar/accessgate/internal/domain"
)

// RoleAssignable rejects the owner role and undefined roles.
func RoleAssignable(role domain.Role) error {
	if !role.Valid() {
		return violation(RuleRoleValid, "role is not one of the defined roles", nil, "role", role.String())
	}
	if role == domain.RoleOwner {
		return violation(RuleRoleAssignable, "owner role cannot be assigned", nil)
	}
	return nil
}

// RoleMutable checks the target of a role change.
func RoleMutable(target *domain.User) error {
	if target.IsOwner() {
		return violation(RuleOwnerImmutableRole, "owner role cannot change", target)
	}
	if target.IsDeleted() {
		return violation(RuleTargetDeleted, "deleted user cannot be changed", target)
	}
	return nil
}

// StatusMutable checks the target of an enable/disable change.
func StatusMutable(target *domain.User, disable bool) error {
	if target.IsOwner() && disable {
		return violation(RuleOwnerNotDisabled, "owner cannot be disabled", target)
	}
	if target.IsDeleted() {
		return violation(RuleTargetDeleted, "deleted user cannot be changed", target)
	}
	return nil
}

// ProfileMutable checks the target of a name/photo change.
func ProfileMutable(target *domain.User) error {
	if target.IsDeleted() {
		return violation(RuleTargetDeleted, "deleted user cannot be changed", target)
	}
	return nil
}

func Deletable(target *domain.User) error {
	if target.IsOwner() {
		return violation(RuleOwnerNotDeleted, "owner cannot be deleted", target)
	}
	if target.IsDeleted() {
		return violation(RuleTargetDeleted, "user is already deleted", target)
	}
	return nil
}

func Restorable(target *domain.User) error {
	if target.IsOwner() {
		return violation(RuleOwnerNotDeleted, "owner cannot be restored", target)
	}
	if !target.IsDeleted() {
		return violation(RuleRestoreRequiresDelete, "only deleted users can be restored", target)
	}
	if target.LinkedTo != "" {
		return violation(RuleRestoreMigrated, "placeholder was migrated to a linked record", target, "linked_to", target.LinkedTo)
	}
	return nil
}

func Reactivatable(target *domain.User) error {
	if target.IsOwner() {
		return violation(RuleOwnerNotDisabled, "owner is never disabled", target)
	}
	if target.IsDeleted() {
		return violation(RuleTargetDeleted, "deleted user cannot be reactivated", target)
	}
	if !target.IsDisabled {
		return violation(RuleReactivateRequiresOff, "only disabled users can be reactivated", target)
	}
	return nil
}

// InvitePending checks that an invite can still be resent or revoked.
func InvitePending(u *domain.User) error {
	if u.IsDeleted() {
		return violation(RuleTargetDeleted, "deleted user has no pending invite", u)
	}
	return inviteState(u)
}

// InviteActivatable checks that the invite can be accepted now.
func InviteActivatable(u *domain.User) error {
	if u.IsDeleted() {
		return violation(RuleTargetDeleted, "deleted user cannot accept an invite", u)
	}
	if err := inviteState(u); err != nil {
		return err
	}
	if u.IsDisabled {
		return domain.ErrUserDisabled.WithContext("user_id", u.ID)
	}
	return nil
}

func inviteState(u *domain.User) error {
	switch u.InviteStatus {
	case domain.InviteInvited:
		return nil
	case domain.InviteActivated:
		return domain.ErrInviteAlreadyAccepted.WithContext("user_id", u.ID)
	case domain.InviteRevoked:
		return domain.ErrInviteRevoked.WithContext("user_id", u.ID)
	default:
		return violation(RuleInvitePending, "invite status is not defined", u)
	}
}

// InviteConsistent checks the invite/registration coupling of one record.
func InviteConsistent(u *domain.User) error {
	if !u.InviteStatus.Valid() {
		return violation(RuleInviteStatusValid, "invite status is not defined", u)
	}
	if u.InviteStatus == domain.InviteRevoked && u.IsRegisteredOnERP {
		return violation(RuleRevokedUnregistered, "revoked invite cannot be registered", u)
	}
	if u.IsRegisteredOnERP && u.InviteStatus != domain.InviteActivated {
		return violation(RuleRegisteredActivated, "registered user must be activated", u)
	}
	return nil
}
