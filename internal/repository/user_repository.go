package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
)

const pqUniqueViolation = "23505"

const userColumns = `id, name, email, role, role_category, role_updated_at, role_category_updated_at,
	photo_url, email_verified, is_disabled, invite_status, invite_sent_at, invite_responded_at,
	is_registered_on_erp, linked_to, linked_from, created_at, updated_at, deleted_at`

// userColumnByField maps domain field names to columns.
var userColumnByField = map[string]string{
	domain.FieldID:                    "id",
	domain.FieldName:                  "name",
	domain.FieldEmail:                 "email",
	domain.FieldRole:                  "role",
	domain.FieldRoleCategory:          "role_category",
	domain.FieldRoleUpdatedAt:         "role_updated_at",
	domain.FieldRoleCategoryUpdatedAt: "role_category_updated_at",
	domain.FieldPhotoURL:              "photo_url",
	domain.FieldEmailVerified:         "email_verified",
	domain.FieldIsDisabled:            "is_disabled",
	domain.FieldInviteStatus:          "invite_status",
	domain.FieldInviteSentAt:          "invite_sent_at",
	domain.FieldInviteRespondedAt:     "invite_responded_at",
	domain.FieldIsRegisteredOnERP:     "is_registered_on_erp",
	domain.FieldLinkedTo:              "linked_to",
	domain.FieldLinkedFrom:            "linked_from",
	domain.FieldCreatedAt:             "created_at",
	domain.FieldUpdatedAt:             "updated_at",
	domain.FieldDeletedAt:             "deleted_at",
}

type userRow struct {
	ID                    string       `db:"id"`
	Name                  string       `db:"name"`
	Email                 string       `db:"email"`
	Role                  string       `db:"role"`
	RoleCategory          string       `db:"role_category"`
	RoleUpdatedAt         sql.NullTime `db:"role_updated_at"`
	RoleCategoryUpdatedAt sql.NullTime `db:"role_category_updated_at"`
	PhotoURL              string       `db:"photo_url"`
	EmailVerified         bool         `db:"email_verified"`
	IsDisabled            bool         `db:"is_disabled"`
	InviteStatus          string       `db:"invite_status"`
	InviteSentAt          sql.NullTime `db:"invite_sent_at"`
	InviteRespondedAt     sql.NullTime `db:"invite_responded_at"`
	IsRegisteredOnERP     bool         `db:"is_registered_on_erp"`
	LinkedTo              string       `db:"linked_to"`
	LinkedFrom            string       `db:"linked_from"`
	CreatedAt             time.Time    `db:"created_at"`
	UpdatedAt             time.Time    `db:"updated_at"`
	DeletedAt             sql.NullTime `db:"deleted_at"`
}

func (r userRow) toUser() (*domain.User, error) {
	role, err := domain.ParseRole(r.Role)
	if err != nil {
		return nil, fmt.Errorf("decode user %s: %w", r.ID, err)
	}
	status, err := domain.ParseInviteStatus(r.InviteStatus)
	if err != nil {
		return nil, fmt.Errorf("decode user %s: %w", r.ID, err)
	}
	return &domain.User{
		ID:                    r.ID,
		Name:                  r.Name,
		Email:                 r.Email,
		Role:                  role,
		RoleCategory:          r.RoleCategory,
		RoleUpdatedAt:         nullTime(r.RoleUpdatedAt),
		RoleCategoryUpdatedAt: nullTime(r.RoleCategoryUpdatedAt),
		PhotoURL:              r.PhotoURL,
		EmailVerified:         r.EmailVerified,
		IsDisabled:            r.IsDisabled,
		InviteStatus:          status,
		InviteSentAt:          nullTime(r.InviteSentAt),
		InviteRespondedAt:     nullTime(r.InviteRespondedAt),
		IsRegisteredOnERP:     r.IsRegisteredOnERP,
		LinkedTo:              r.LinkedTo,
		LinkedFrom:            r.LinkedFrom,
		CreatedAt:             r.CreatedAt.UTC(),
		UpdatedAt:             r.UpdatedAt.UTC(),
		DeletedAt:             nullTime(r.DeletedAt),
	}, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// PostgresUserRepository implements domain.UserRepository using PostgreSQL
type PostgresUserRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresUserRepository creates a new user repository
func NewPostgresUserRepository(db *sqlx.DB, logger *slog.Logger) *PostgresUserRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresUserRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureTable creates the users table and its indexes if missing.
// The partial unique index enforces one active record per email.
func (r *PostgresUserRepository) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL,
  role TEXT NOT NULL,
  role_category TEXT NOT NULL DEFAULT '',
  role_updated_at TIMESTAMPTZ,
  role_category_updated_at TIMESTAMPTZ,
  photo_url TEXT NOT NULL DEFAULT '',
  email_verified BOOLEAN NOT NULL DEFAULT false,
  is_disabled BOOLEAN NOT NULL DEFAULT false,
  invite_status TEXT NOT NULL,
  invite_sent_at TIMESTAMPTZ,
  invite_responded_at TIMESTAMPTZ,
  is_registered_on_erp BOOLEAN NOT NULL DEFAULT false,
  linked_to TEXT NOT NULL DEFAULT '',
  linked_from TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  deleted_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_users_active_email ON users(email) WHERE deleted_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS uniq_users_active_owner ON users(role) WHERE role = 'owner' AND deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
CREATE INDEX IF NOT EXISTS idx_users_role_category ON users(role_category);
CREATE INDEX IF NOT EXISTS idx_users_invite_status ON users(invite_status);
CREATE INDEX IF NOT EXISTS idx_users_is_disabled ON users(is_disabled);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Create creates a new user
func (r *PostgresUserRepository) Create(ctx context.Context, user *domain.User) (*domain.User, error) {
	query := `INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Name,
		user.Email,
		user.Role.String(),
		user.RoleCategory,
		timeArg(user.RoleUpdatedAt),
		timeArg(user.RoleCategoryUpdatedAt),
		user.PhotoURL,
		user.EmailVerified,
		user.IsDisabled,
		user.InviteStatus.String(),
		timeArg(user.InviteSentAt),
		timeArg(user.InviteRespondedAt),
		user.IsRegisteredOnERP,
		user.LinkedTo,
		user.LinkedFrom,
		user.CreatedAt,
		user.UpdatedAt,
		timeArg(user.DeletedAt),
	)
	if err != nil {
		if mapped := mapUniqueViolation(err, user.ID, user.Email); mapped != nil {
			return nil, mapped
		}
		r.logger.Error("failed to create user",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, domain.Infrastructure("create user", err)
	}

	return user.Clone(), nil
}

// Update applies a partial update and returns the stored record
func (r *PostgresUserRepository) Update(ctx context.Context, id string, patch domain.UserPatch) (*domain.User, error) {
	query, args := buildUserUpdate(id, patch)
	if query == "" {
		return r.GetByID(ctx, id, domain.GetOptions{IncludeDeleted: true})
	}

	var row userRow
	if err := r.db.QueryRowxContext(ctx, query, args...).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound.WithContext("user_id", id)
		}
		if mapped := mapUniqueViolation(err, id, ""); mapped != nil {
			return nil, mapped
		}
		r.logger.Error("failed to update user",
			slog.String("user_id", id),
			slog.String("error", err.Error()),
		)
		return nil, domain.Infrastructure("update user", err)
	}
	return row.toUser()
}

// GetByID retrieves a user by ID
func (r *PostgresUserRepository) GetByID(ctx context.Context, id string, opts domain.GetOptions) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	if !opts.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}

	var row userRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound.WithContext("user_id", id)
		}
		r.logger.Error("failed to get user by id",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return nil, domain.Infrastructure("get user", err)
	}
	return row.toUser()
}

// FindOne returns the first active user matching every clause
func (r *PostgresUserRepository) FindOne(ctx context.Context, where ...domain.Where) (*domain.User, error) {
	page, err := r.Find(ctx, domain.FindQuery{Where: where, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(page.Data) == 0 {
		return nil, domain.ErrNotFound
	}
	return page.Data[0], nil
}

// Find lists users page by page in id order
func (r *PostgresUserRepository) Find(ctx context.Context, q domain.FindQuery) (*domain.UserPage, error) {
	query, args, err := buildUserFind(q)
	if err != nil {
		return nil, err
	}

	var rows []userRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.Error("failed to list users", slog.String("error", err.Error()))
		return nil, domain.Infrastructure("find users", err)
	}

	limit := q.PageSize()
	page := &domain.UserPage{Data: make([]*domain.User, 0, len(rows))}
	for i, row := range rows {
		if i == limit {
			page.NextCursor = page.Data[limit-1].ID
			break
		}
		u, err := row.toUser()
		if err != nil {
			return nil, domain.Infrastructure("decode user", err)
		}
		page.Data = append(page.Data, u)
	}
	return page, nil
}

func buildUserUpdate(id string, patch domain.UserPatch) (string, []any) {
	changes := patch.Changes()
	if len(changes) == 0 && patch.UpdatedAt.IsZero() {
		return "", nil
	}
	fields := make([]string, 0, len(changes))
	for field := range changes {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for _, field := range fields {
		args = append(args, sqlValue(changes[field]))
		sets = append(sets, fmt.Sprintf("%s = $%d", userColumnByField[field], len(args)))
	}
	if !patch.UpdatedAt.IsZero() {
		args = append(args, patch.UpdatedAt)
		sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d RETURNING %s",
		strings.Join(sets, ", "), len(args), userColumns)
	return query, args
}

func buildUserFind(q domain.FindQuery) (string, []any, error) {
	var conds []string
	var args []any
	if !q.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if q.StartAfter != "" {
		args = append(args, q.StartAfter)
		conds = append(conds, fmt.Sprintf("id > $%d", len(args)))
	}
	for _, w := range q.Where {
		col, ok := userColumnByField[w.Field]
		if !ok {
			return "", nil, fmt.Errorf("field %q is not filterable", w.Field)
		}
		value := sqlValue(w.Value)
		if s, isString := value.(string); isString && w.Field == domain.FieldEmail {
			value = domain.NormalizeEmail(s)
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	query := `SELECT ` + userColumns + ` FROM users`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, q.PageSize()+1)
	query += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))
	return query, args, nil
}

func sqlValue(v any) any {
	switch x := v.(type) {
	case domain.Role:
		return x.String()
	case domain.InviteStatus:
		return x.String()
	case *time.Time:
		if x == nil {
			return nil
		}
		return *x
	default:
		return v
	}
}

func mapUniqueViolation(err error, id, email string) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != pqUniqueViolation {
		return nil
	}
	switch pqErr.Constraint {
	case "uniq_users_active_email", "uniq_credentials_email":
		return domain.ErrEmailAlreadyInUse.WithContext("email", email)
	case "uniq_users_active_owner":
		return domain.ErrOwnerBootstrapRace.WithContext("user_id", id)
	default:
		return domain.ErrDuplicateID.WithContext("id", id)
	}
}
