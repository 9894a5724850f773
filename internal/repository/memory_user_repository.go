package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
)

// MemoryUserRepository is an in-process projection store for development and tests.
// It has no unique email constraint unless built with WithUniqueEmails, so it
// exhibits the same check-then-write window as a plain document store. Like
// the mongo and postgres stores it admits a single live owner record.
type MemoryUserRepository struct {
	mu           sync.RWMutex
	users        map[string]*domain.User
	uniqueEmails bool
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{users: map[string]*domain.User{}}
}

// WithUniqueEmails makes the store reject a second active record per email.
func (r *MemoryUserRepository) WithUniqueEmails() *MemoryUserRepository {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uniqueEmails = true
	return r
}

func (r *MemoryUserRepository) Create(_ context.Context, user *domain.User) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[user.ID]; exists {
		return nil, domain.ErrDuplicateID.WithContext("user_id", user.ID)
	}
	if r.uniqueEmails && !user.IsDeleted() && r.activeEmailTaken(user.Email, user.ID) {
		return nil, domain.ErrEmailAlreadyInUse.WithContext("email", user.Email)
	}
	if user.IsOwner() && !user.IsDeleted() && r.liveOwnerTaken(user.ID) {
		return nil, domain.ErrOwnerBootstrapRace.WithContext("user_id", user.ID)
	}
	stored := user.Clone()
	r.users[stored.ID] = stored
	return stored.Clone(), nil
}

func (r *MemoryUserRepository) Update(_ context.Context, id string, patch domain.UserPatch) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.users[id]
	if !ok {
		return nil, domain.ErrNotFound.WithContext("user_id", id)
	}
	next := current.Clone()
	patch.Apply(next)
	if r.uniqueEmails && current.IsDeleted() && !next.IsDeleted() && r.activeEmailTaken(next.Email, id) {
		return nil, domain.ErrEmailAlreadyInUse.WithContext("email", next.Email)
	}
	if next.IsOwner() && !next.IsDeleted() && (!current.IsOwner() || current.IsDeleted()) && r.liveOwnerTaken(id) {
		return nil, domain.ErrOwnerBootstrapRace.WithContext("user_id", id)
	}
	r.users[id] = next
	return next.Clone(), nil
}

func (r *MemoryUserRepository) GetByID(_ context.Context, id string, opts domain.GetOptions) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok || (u.IsDeleted() && !opts.IncludeDeleted) {
		return nil, domain.ErrNotFound.WithContext("user_id", id)
	}
	return u.Clone(), nil
}

func (r *MemoryUserRepository) FindOne(ctx context.Context, where ...domain.Where) (*domain.User, error) {
	page, err := r.Find(ctx, domain.FindQuery{Where: where, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(page.Data) == 0 {
		return nil, domain.ErrNotFound
	}
	return page.Data[0], nil
}

func (r *MemoryUserRepository) Find(_ context.Context, q domain.FindQuery) (*domain.UserPage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		if id > q.StartAfter {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	limit := q.PageSize()
	page := &domain.UserPage{Data: []*domain.User{}}
	for _, id := range ids {
		u := r.users[id]
		if u.IsDeleted() && !q.IncludeDeleted {
			continue
		}
		if !matchesAll(u, q.Where) {
			continue
		}
		if len(page.Data) == limit {
			page.NextCursor = page.Data[len(page.Data)-1].ID
			break
		}
		page.Data = append(page.Data, u.Clone())
	}
	return page, nil
}

// activeEmailTaken must be called with the lock held.
func (r *MemoryUserRepository) activeEmailTaken(email, exceptID string) bool {
	for id, u := range r.users {
		if id != exceptID && !u.IsDeleted() && u.Email == email {
			return true
		}
	}
	return false
}

func matchesAll(u *domain.User, where []domain.Where) bool {
	for _, w := range where {
		if !w.Matches(u) {
			return false
		}
	}
	return true
}

// liveOwnerTaken must be called with the lock held.
func (r *MemoryUserRepository) liveOwnerTaken(exceptID string) bool {
	for id, u := range r.users {
		if id != exceptID && !u.IsDeleted() && u.IsOwner() {
			return true
		}
	}
	return false
}
