// Package invariant holds the pure assertions every user mutation is checked
// against. Functions never touch storage; callers hand them snapshots.
package invariant

import (
	"github.com/aryan0dhankhar/accessgate/internal/domain"
)

// Rule names, stable across releases; dashboards key on them.
const (
	RuleRecordIdentity         = "record.identity"
	RuleRoleValid              = "role.valid"
	RuleRoleAssignable         = "role.assignable"
	RuleOwnerSingle            = "owner.single"
	RuleOwnerShape             = "owner.shape"
	RuleOwnerImmutableRole     = "owner.immutable_role"
	RuleOwnerNoPromotion       = "owner.no_promotion"
	RuleOwnerNotDisabled       = "owner.not_disabled"
	RuleOwnerNotDeleted        = "owner.not_deleted"
	RuleInviteShape            = "invite.shape"
	RuleInviteStatusValid      = "invite.status_valid"
	RuleInvitePending          = "invite.pending"
	RuleActivationIrreversible = "invite.activation_irreversible"
	RuleRevokedTerminal        = "invite.revoked_terminal"
	RuleRevokedUnregistered    = "invite.revoked_unregistered"
	RuleRegisteredActivated    = "invite.registered_activated"
	RuleIDImmutable            = "id.immutable"
	RuleEmailImmutable         = "email.immutable"
	RuleEmailUnique            = "email.unique"
	RuleEmailVerifiedMirror    = "email_verified.mirror_only"
	RuleLinkPlaceholder        = "link.placeholder"
	RuleLinkResult             = "link.result"
	RuleLinkImmutable          = "link.immutable"
	RuleTargetDeleted          = "target.deleted"
	RuleRestoreRequiresDelete  = "restore.requires_delete"
	RuleRestoreMigrated        = "restore.migrated_placeholder"
	RuleReactivateRequiresOff  = "reactivate.requires_disable"
	RuleTimestampRange         = "timestamp.range"
)

// Permit relaxes a transition check for one sanctioned code path.
type Permit int

const (
	// PermitEmailVerifiedMirror lets post-authentication resolution copy the
	// provider's verification flag.
	PermitEmailVerifiedMirror Permit = iota + 1
	// PermitOwnerRaceCompensation lets the losing side of a bootstrap race
	// retire its own owner record.
	PermitOwnerRaceCompensation
	// PermitLinkCompensation lets a failed sign-up return its placeholder
	// to the unlinked state.
	PermitLinkCompensation
)

func violation(rule, message string, u *domain.User, kv ...string) *domain.Error {
	ctx := map[string]string{}
	if u != nil {
		ctx["user_id"] = u.ID
	}
	for i := 0; i+1 < len(kv); i += 2 {
		ctx[kv[i]] = kv[i+1]
	}
	return domain.Violation(rule, message, ctx)
}

func has(permits []Permit, p Permit) bool {
	for _, x := range permits {
		if x == p {
			return true
		}
	}
	return false
}
