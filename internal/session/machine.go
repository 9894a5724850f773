// Package session holds the client-side authentication state machine and
// broadcasts every transition to observers in order.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/observability/metrics"
)

// State is the authentication state of one client session.
type State int

const (
	StateUnknown State = iota
	StateAuthenticating
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateAuthenticating:
		return "authenticating"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RuleTransition names transition violations.
const RuleTransition = "session_transition"

// Snapshot is an immutable view of the session. User is set only when
// authenticated and is a private copy.
type Snapshot struct {
	State   State        `json:"state"`
	User    *domain.User `json:"user,omitempty"`
	Version uint64       `json:"version"`
	At      time.Time    `json:"at"`
}

// Authenticated reports whether the snapshot carries a signed-in user.
func (s Snapshot) Authenticated() bool {
	return s.State == StateAuthenticated && s.User != nil
}

func (s Snapshot) clone() Snapshot {
	s.User = s.User.Clone()
	return s
}

type delivery struct {
	snap      Snapshot
	listeners []func(Snapshot)
}

// Machine is safe for concurrent use. Listeners run on whichever goroutine
// drains the queue, one delivery at a time, with no lock held.
type Machine struct {
	mu       sync.Mutex
	current  Snapshot
	subs     map[int]func(Snapshot)
	nextSub  int
	queue    []delivery
	draining bool
	now      func() time.Time
	logger   *slog.Logger
}

// New returns a machine in StateUnknown.
func New(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		current: Snapshot{State: StateUnknown, At: time.Now().UTC()},
		subs:    map[int]func(Snapshot){},
		now:     time.Now,
		logger:  logger,
	}
}

// WithClock replaces the time source.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	m.current.At = now().UTC()
	return m
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.clone()
}

// State returns the current state only.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.State
}

// Subscribe delivers the current snapshot, then every later one, to fn.
func (m *Machine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.queue = append(m.queue, delivery{snap: m.current, listeners: []func(Snapshot){fn}})
	m.mu.Unlock()

	m.drain()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Transition moves to state `to`. user is required for StateAuthenticated
// and ignored otherwise. Unauthenticated to unauthenticated is a silent no-op;
// an authenticated refresh is broadcast only when the user record changed.
func (m *Machine) Transition(to State, user *domain.User) (Snapshot, error) {
	m.mu.Lock()
	from := m.current.State
	if !allowed(from, to) {
		m.mu.Unlock()
		return Snapshot{}, domain.Violation(RuleTransition,
			fmt.Sprintf("cannot move session from %s to %s", from, to),
			map[string]string{"from": from.String(), "to": to.String()})
	}
	if to == StateAuthenticated && user == nil {
		m.mu.Unlock()
		return Snapshot{}, domain.Violation(RuleTransition, "authenticated session requires a user", nil)
	}
	if to != StateAuthenticated {
		user = nil
	}
	if from == to && (to != StateAuthenticated || sameUser(m.current.User, user)) {
		snap := m.current.clone()
		m.mu.Unlock()
		return snap, nil
	}

	m.current = Snapshot{
		State:   to,
		User:    user.Clone(),
		Version: m.current.Version + 1,
		At:      m.now().UTC(),
	}
	listeners := make([]func(Snapshot), 0, len(m.subs))
	for i := 0; i < m.nextSub; i++ {
		if fn, ok := m.subs[i]; ok {
			listeners = append(listeners, fn)
		}
	}
	m.queue = append(m.queue, delivery{snap: m.current, listeners: listeners})
	snap := m.current.clone()
	m.mu.Unlock()

	metrics.ObserveSessionTransition(from.String(), to.String())
	m.logger.Debug("session transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Uint64("version", snap.Version),
	)
	m.drain()
	return snap, nil
}

// drain delivers queued snapshots. Only one goroutine drains at a time;
// re-entrant calls from listeners enqueue and return.
func (m *Machine) drain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		d := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		for _, fn := range d.listeners {
			fn(d.snap.clone())
		}
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func allowed(from, to State) bool {
	switch from {
	case StateUnknown:
		return to == StateUnauthenticated || to == StateAuthenticated
	case StateUnauthenticated:
		return to == StateAuthenticating || to == StateUnauthenticated
	case StateAuthenticating:
		return to == StateAuthenticated || to == StateUnauthenticated
	case StateAuthenticated:
		return to == StateUnauthenticated || to == StateAuthenticated
	default:
		return false
	}
}

func sameUser(a, b *domain.User) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.Role == b.Role && a.RoleCategory == b.RoleCategory &&
		a.IsDisabled == b.IsDisabled && a.InviteStatus == b.InviteStatus &&
		a.EmailVerified == b.EmailVerified && a.Name == b.Name && a.PhotoURL == b.PhotoURL
}
