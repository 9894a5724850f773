package domain

import (
	"context"
	"time"
)

// AuthChange is what the identity provider reports when its current subject
// changes. SubjectID is empty when signed out.
type AuthChange struct {
	SubjectID     string
	EmailVerified bool
}

// SignedIn reports whether the change names a subject.
func (c AuthChange) SignedIn() bool {
	return c.SubjectID != ""
}

// IdentityProvider is one client session against the credential system.
// Calls may fail with KindInvalidCredentials, KindEmailAlreadyInUse,
// KindWeakPassword, KindTooManyRequests or KindInfrastructure.
type IdentityProvider interface {
	CreateAccount(ctx context.Context, email, password string) (string, error)
	SignIn(ctx context.Context, email, password string) (string, error)
	SignOut(ctx context.Context) error
	SendPasswordReset(ctx context.Context, email string) error
	ConfirmPasswordReset(ctx context.Context, code, newPassword string) error
	Reauthenticate(ctx context.Context, password string) error
	ChangePassword(ctx context.Context, oldPassword, newPassword string) error
	// DeleteAccount is idempotent: deleting a missing subject succeeds.
	DeleteAccount(ctx context.Context, subjectID string) error
	// Subscribe reports the current state immediately and every change after.
	Subscribe(fn func(AuthChange)) (unsubscribe func())
}

// Account is a credential as seen by maintenance tooling.
type Account struct {
	SubjectID     string    `json:"subjectId"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AccountPage is one page of accounts ordered by subject id.
type AccountPage struct {
	Accounts   []Account `json:"accounts"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// AccountLister enumerates provider accounts for orphan maintenance.
type AccountLister interface {
	ListAccounts(ctx context.Context, cursor string, limit int) (*AccountPage, error)
	DeleteAccount(ctx context.Context, subjectID string) error
}

// Credential is the provider-side record behind an account.
type Credential struct {
	SubjectID     string    `db:"subject_id"`
	Email         string    `db:"email"`
	PasswordHash  string    `db:"password_hash"`
	EmailVerified bool      `db:"email_verified"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// CredentialRepository stores credentials for the local identity provider.
type CredentialRepository interface {
	// Create fails with ErrEmailAlreadyInUse on a duplicate email.
	Create(ctx context.Context, cred *Credential) error
	GetByEmail(ctx context.Context, email string) (*Credential, error)
	GetBySubject(ctx context.Context, subjectID string) (*Credential, error)
	UpdatePassword(ctx context.Context, subjectID, passwordHash string, at time.Time) error
	MarkEmailVerified(ctx context.Context, subjectID string, at time.Time) error
	// Delete returns ErrNotFound when the subject does not exist.
	Delete(ctx context.Context, subjectID string) error
	List(ctx context.Context, cursor string, limit int) ([]*Credential, string, error)
}
