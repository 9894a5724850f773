package repository

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/observability/metrics"
	"github.com/aryan0dhankhar/accessgate/internal/reliability/circuitbreaker"
)

// GuardedUserRepository fails fast while the wrapped store keeps failing.
// Only infrastructure errors trip the breaker; domain outcomes such as
// NotFound or EmailAlreadyInUse pass through untouched.
type GuardedUserRepository struct {
	next    domain.UserRepository
	breaker *circuitbreaker.CircuitBreaker
	name    string
}

// NewGuardedUserRepository wraps next with breaker, reporting state under name.
func NewGuardedUserRepository(next domain.UserRepository, breaker *circuitbreaker.CircuitBreaker, name string, logger *slog.Logger) *GuardedUserRepository {
	if logger == nil {
		logger = slog.Default()
	}
	breaker.SetStateChangeCallback(func(from, to circuitbreaker.State) {
		metrics.SetStoreCircuitState(name, int(to))
		logger.Warn("user store circuit changed",
			slog.String("store", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})
	metrics.SetStoreCircuitState(name, int(breaker.GetState()))
	return &GuardedUserRepository{next: next, breaker: breaker, name: name}
}

func (g *GuardedUserRepository) Create(ctx context.Context, user *domain.User) (*domain.User, error) {
	var out *domain.User
	err := g.run(func() (err error) {
		out, err = g.next.Create(ctx, user)
		return err
	})
	return out, err
}

func (g *GuardedUserRepository) Update(ctx context.Context, id string, patch domain.UserPatch) (*domain.User, error) {
	var out *domain.User
	err := g.run(func() (err error) {
		out, err = g.next.Update(ctx, id, patch)
		return err
	})
	return out, err
}

func (g *GuardedUserRepository) GetByID(ctx context.Context, id string, opts domain.GetOptions) (*domain.User, error) {
	var out *domain.User
	err := g.run(func() (err error) {
		out, err = g.next.GetByID(ctx, id, opts)
		return err
	})
	return out, err
}

func (g *GuardedUserRepository) FindOne(ctx context.Context, where ...domain.Where) (*domain.User, error) {
	var out *domain.User
	err := g.run(func() (err error) {
		out, err = g.next.FindOne(ctx, where...)
		return err
	})
	return out, err
}

func (g *GuardedUserRepository) Find(ctx context.Context, q domain.FindQuery) (*domain.UserPage, error) {
	var out *domain.UserPage
	err := g.run(func() (err error) {
		out, err = g.next.Find(ctx, q)
		return err
	})
	return out, err
}

func (g *GuardedUserRepository) run(fn func() error) error {
	err := g.breaker.Execute(fn, isInfrastructure)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return domain.Infrastructure(g.name+" store", err)
	}
	return err
}

func isInfrastructure(err error) bool {
	return domain.KindOf(err) == domain.KindInfrastructure
}
