package invariant

import (
	"github.com/aryan0dhankhar/accessgate/internal/domain"
)

// OwnerShape checks a freshly built owner record.
func OwnerShape(u *domain.User) error {
	if err := identity(u); err != nil {
		return err
	}
	switch {
	case u.Role != domain.RoleOwner:
		return violation(RuleOwnerShape, "owner record must hold the owner role", u, "role", u.Role.String())
	case u.InviteStatus != domain.InviteActivated:
		return violation(RuleOwnerShape, "owner record must be activated", u, "invite_status", u.InviteStatus.String())
	case !u.IsRegisteredOnERP:
		return violation(RuleOwnerShape, "owner record must be registered", u)
	case u.IsDisabled:
		return violation(RuleOwnerNotDisabled, "owner cannot be disabled", u)
	case u.IsDeleted():
		return violation(RuleOwnerNotDeleted, "owner cannot be deleted", u)
	}
	return nil
}

// InvitedShape checks a freshly built invite placeholder.
func InvitedShape(u *domain.User) error {
	if err := identity(u); err != nil {
		return err
	}
	if err := RoleAssignable(u.Role); err != nil {
		return err
	}
	switch {
	case u.InviteStatus != domain.InviteInvited:
		return violation(RuleInviteShape, "new invite must be in invited state", u, "invite_status", u.InviteStatus.String())
	case u.IsRegisteredOnERP:
		return violation(RuleInviteShape, "new invite cannot be registered", u)
	case u.IsDisabled, u.IsDeleted():
		return violation(RuleInviteShape, "new invite must be active", u)
	case u.InviteSentAt == nil:
		return violation(RuleInviteShape, "new invite needs a sent timestamp", u)
	case u.InviteRespondedAt != nil:
		return violation(RuleInviteShape, "new invite cannot have a response", u)
	case u.LinkedTo != "" || u.LinkedFrom != "":
		return violation(RuleInviteShape, "new invite cannot be linked", u)
	}
	return nil
}

func identity(u *domain.User) error {
	if u == nil {
		return violation(RuleRecordIdentity, "record is missing", nil)
	}
	if u.ID == "" || u.Email == "" {
		return violation(RuleRecordIdentity, "record needs an id and an email", u)
	}
	if u.Email != domain.NormalizeEmail(u.Email) {
		return violation(RuleRecordIdentity, "email must be normalized", u, "email", u.Email)
	}
	if !u.Role.Valid() {
		return violation(RuleRoleValid, "role is not one of the defined roles", u)
	}
	if !u.InviteStatus.Valid() {
		return violation(RuleInviteStatusValid, "invite status is not defined", u)
	}
	return nil
}
