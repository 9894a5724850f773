package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
)

// PostgresCredentialRepository implements domain.CredentialRepository using PostgreSQL
type PostgresCredentialRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresCredentialRepository creates a new credential repository
func NewPostgresCredentialRepository(db *sqlx.DB, logger *slog.Logger) *PostgresCredentialRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresCredentialRepository{db: db, logger: logger}
}

// EnsureTable creates the credentials table if missing.
func (r *PostgresCredentialRepository) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS credentials (
  subject_id TEXT PRIMARY KEY,
  email TEXT NOT NULL,
  password_hash TEXT NOT NULL,
  email_verified BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_credentials_email ON credentials(email);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Create inserts a credential
func (r *PostgresCredentialRepository) Create(ctx context.Context, cred *domain.Credential) error {
	query := `INSERT INTO credentials (subject_id, email, password_hash, email_verified, created_at, updated_at)
		VALUES (:subject_id, :email, :password_hash, :email_verified, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, cred); err != nil {
		if mapped := mapUniqueViolation(err, cred.SubjectID, cred.Email); mapped != nil {
			return mapped
		}
		r.logger.Error("failed to create credential", slog.String("error", err.Error()))
		return domain.Infrastructure("create credential", err)
	}
	return nil
}

// GetByEmail retrieves a credential by normalized email
func (r *PostgresCredentialRepository) GetByEmail(ctx context.Context, email string) (*domain.Credential, error) {
	return r.getOne(ctx, `SELECT * FROM credentials WHERE email = $1`, domain.NormalizeEmail(email))
}

// GetBySubject retrieves a credential by subject id
func (r *PostgresCredentialRepository) GetBySubject(ctx context.Context, subjectID string) (*domain.Credential, error) {
	return r.getOne(ctx, `SELECT * FROM credentials WHERE subject_id = $1`, subjectID)
}

func (r *PostgresCredentialRepository) getOne(ctx context.Context, query string, arg string) (*domain.Credential, error) {
	var cred domain.Credential
	if err := r.db.GetContext(ctx, &cred, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.Infrastructure("get credential", err)
	}
	return &cred, nil
}

// UpdatePassword replaces the password hash
func (r *PostgresCredentialRepository) UpdatePassword(ctx context.Context, subjectID, passwordHash string, at time.Time) error {
	return r.exec(ctx, "update password",
		`UPDATE credentials SET password_hash = $1, updated_at = $2 WHERE subject_id = $3`,
		passwordHash, at, subjectID)
}

// MarkEmailVerified flags the email as verified
func (r *PostgresCredentialRepository) MarkEmailVerified(ctx context.Context, subjectID string, at time.Time) error {
	return r.exec(ctx, "verify email",
		`UPDATE credentials SET email_verified = true, updated_at = $1 WHERE subject_id = $2`,
		at, subjectID)
}

// Delete removes a credential
func (r *PostgresCredentialRepository) Delete(ctx context.Context, subjectID string) error {
	return r.exec(ctx, "delete credential", `DELETE FROM credentials WHERE subject_id = $1`, subjectID)
}

func (r *PostgresCredentialRepository) exec(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Infrastructure(op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return domain.Infrastructure(op, err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List pages credentials in subject id order
func (r *PostgresCredentialRepository) List(ctx context.Context, cursor string, limit int) ([]*domain.Credential, string, error) {
	limit = domain.FindQuery{Limit: limit}.PageSize()
	var creds []*domain.Credential
	err := r.db.SelectContext(ctx, &creds,
		`SELECT * FROM credentials WHERE subject_id > $1 ORDER BY subject_id LIMIT $2`, cursor, limit+1)
	if err != nil {
		return nil, "", domain.Infrastructure("list credentials", err)
	}
	return pageCredentials(creds, limit)
}

func pageCredentials(creds []*domain.Credential, limit int) ([]*domain.Credential, string, error) {
	if len(creds) > limit {
		return creds[:limit], creds[limit-1].SubjectID, nil
	}
	return creds, "", nil
}

// MemoryCredentialRepository keeps credentials in process.
type MemoryCredentialRepository struct {
	mu    sync.RWMutex
	creds map[string]*domain.Credential
}

func NewMemoryCredentialRepository() *MemoryCredentialRepository {
	return &MemoryCredentialRepository{creds: map[string]*domain.Credential{}}
}

func (r *MemoryCredentialRepository) Create(_ context.Context, cred *domain.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creds[cred.SubjectID]; ok {
		return domain.ErrDuplicateID.WithContext("subject_id", cred.SubjectID)
	}
	for _, c := range r.creds {
		if c.Email == cred.Email {
			return domain.ErrEmailAlreadyInUse.WithContext("email", cred.Email)
		}
	}
	cp := *cred
	r.creds[cred.SubjectID] = &cp
	return nil
}

func (r *MemoryCredentialRepository) GetByEmail(_ context.Context, email string) (*domain.Credential, error) {
	email = domain.NormalizeEmail(email)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.creds {
		if c.Email == email {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MemoryCredentialRepository) GetBySubject(_ context.Context, subjectID string) (*domain.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.creds[subjectID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryCredentialRepository) UpdatePassword(_ context.Context, subjectID, passwordHash string, at time.Time) error {
	return r.mutate(subjectID, func(c *domain.Credential) {
		c.PasswordHash = passwordHash
		c.UpdatedAt = at
	})
}

func (r *MemoryCredentialRepository) MarkEmailVerified(_ context.Context, subjectID string, at time.Time) error {
	return r.mutate(subjectID, func(c *domain.Credential) {
		c.EmailVerified = true
		c.UpdatedAt = at
	})
}

func (r *MemoryCredentialRepository) mutate(subjectID string, fn func(*domain.Credential)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[subjectID]
	if !ok {
		return domain.ErrNotFound
	}
	fn(c)
	return nil
}

func (r *MemoryCredentialRepository) Delete(_ context.Context, subjectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creds[subjectID]; !ok {
		return domain.ErrNotFound
	}
	delete(r.creds, subjectID)
	return nil
}

func (r *MemoryCredentialRepository) List(_ context.Context, cursor string, limit int) ([]*domain.Credential, string, error) {
	limit = domain.FindQuery{Limit: limit}.PageSize()
	r.mu.RLock()
	out := make([]*domain.Credential, 0, len(r.creds))
	for id, c := range r.creds {
		if id > cursor {
			cp := *c
			out = append(out, &cp)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return pageCredentials(out, limit)
}
