package invariant

import (
	"github.com/aryan0dhankhar/accessgate/internal/domain"
)

// Linkable checks that placeholder may be allocated to subjectID.
// A placeholder already allocated to the same subject is linkable so a
// replayed link can finish its migration step.
func Linkable(placeholder *domain.User, subjectID string) error {
	if subjectID == "" {
		return violation(RuleLinkPlaceholder, "subject id is required", placeholder)
	}
	if placeholder.IsOwner() {
		return violation(RuleLinkPlaceholder, "owner record cannot be linked", placeholder)
	}
	if placeholder.LinkedTo != "" {
		if placeholder.LinkedTo != subjectID {
			return domain.ErrIdentityAlreadyLinked.WithContext("user_id", placeholder.ID)
		}
		return nil
	}
	switch {
	case placeholder.IsDeleted():
		return violation(RuleLinkPlaceholder, "placeholder is deleted", placeholder)
	case placeholder.InviteStatus != domain.InviteInvited:
		return violation(RuleLinkPlaceholder, "placeholder must be invited", placeholder, "invite_status", placeholder.InviteStatus.String())
	case placeholder.IsRegisteredOnERP:
		return violation(RuleLinkPlaceholder, "placeholder is already registered", placeholder)
	}
	return nil
}

// Linked checks the outcome of both link steps.
func Linked(placeholder, migrated *domain.User, subjectID string) error {
	switch {
	case placeholder.LinkedTo != subjectID:
		return violation(RuleLinkResult, "placeholder is not allocated to subject", placeholder, "subject_id", subjectID)
	case !placeholder.IsDeleted():
		return violation(RuleLinkResult, "placeholder must be retired after allocation", placeholder)
	case migrated.ID != subjectID:
		return violation(RuleLinkResult, "migrated record must be keyed by subject", migrated)
	case migrated.LinkedFrom != placeholder.ID:
		return violation(RuleLinkResult, "migrated record must reference its placeholder", migrated)
	case migrated.Email != placeholder.Email:
		return violation(RuleLinkResult, "migrated record email differs from placeholder", migrated)
	case migrated.Role != placeholder.Role:
		return violation(RuleLinkResult, "migrated record role differs from placeholder", migrated)
	case migrated.IsDeleted():
		return violation(RuleLinkResult, "migrated record is deleted", migrated)
	}
	return nil
}
