package identity

import (
	"context"
	"sync"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
)

// Client is one session against the Provider.
// Listeners are called synchronously, without the client lock held.
type Client struct {
	p *Provider

	mu       sync.Mutex
	subject  string
	verified bool
	subs     map[int]func(domain.AuthChange)
	nextSub  int
}

var _ domain.IdentityProvider = (*Client)(nil)

// Subject returns the signed-in subject id, or "".
func (c *Client) Subject() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subject
}

func (c *Client) CreateAccount(ctx context.Context, email, password string) (string, error) {
	cred, err := c.p.createCredential(ctx, email, password)
	if err != nil {
		return "", err
	}
	c.set(cred.SubjectID, cred.EmailVerified)
	return cred.SubjectID, nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) (string, error) {
	cred, err := c.p.authenticate(ctx, email, password)
	if err != nil {
		return "", err
	}
	c.set(cred.SubjectID, cred.EmailVerified)
	return cred.SubjectID, nil
}

func (c *Client) SignOut(_ context.Context) error {
	c.set("", false)
	return nil
}

func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	return c.p.sendReset(ctx, email)
}

func (c *Client) ConfirmPasswordReset(ctx context.Context, code, newPassword string) error {
	subject, err := c.p.confirmReset(ctx, code, newPassword)
	if err != nil {
		return err
	}
	if c.Subject() == subject {
		c.set(subject, true)
	}
	return nil
}

func (c *Client) Reauthenticate(ctx context.Context, password string) error {
	subject := c.Subject()
	if subject == "" {
		return domain.ErrNotAuthenticated
	}
	return c.p.verifyPassword(ctx, subject, password)
}

func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	if err := c.Reauthenticate(ctx, oldPassword); err != nil {
		return err
	}
	return c.p.setPassword(ctx, c.Subject(), newPassword)
}

// DeleteAccount removes subjectID and signs out if it was this session's subject.
func (c *Client) DeleteAccount(ctx context.Context, subjectID string) error {
	if err := c.p.DeleteAccount(ctx, subjectID); err != nil {
		return err
	}
	if c.Subject() == subjectID {
		c.set("", false)
	}
	return nil
}

func (c *Client) Subscribe(fn func(domain.AuthChange)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	current := domain.AuthChange{SubjectID: c.subject, EmailVerified: c.verified}
	c.mu.Unlock()

	fn(current)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// set records the new state and notifies listeners when it changed.
func (c *Client) set(subject string, verified bool) {
	c.mu.Lock()
	if c.subject == subject && c.verified == verified {
		c.mu.Unlock()
		return
	}
	c.subject = subject
	c.verified = verified
	change := domain.AuthChange{SubjectID: subject, EmailVerified: verified}
	listeners := make([]func(domain.AuthChange), 0, len(c.subs))
	for _, fn := range c.subs {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
}
