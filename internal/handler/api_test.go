package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/identity"
	"github.com/aryan0dhankhar/accessgate/internal/invariant"
	"github.com/aryan0dhankhar/accessgate/internal/repository"
	"github.com/aryan0dhankhar/accessgate/internal/security/auth"
	"github.com/aryan0dhankhar/accessgate/internal/security/middleware"
	"github.com/aryan0dhankhar/accessgate/internal/security/ratelimit"
	"github.com/aryan0dhankhar/accessgate/internal/service"
)

const testPassword = "correct-horse-battery"

type captureMailer struct {
	mu    sync.Mutex
	codes map[string]string
}

func (m *captureMailer) SendPasswordReset(_ context.Context, email, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codes == nil {
		m.codes = map[string]string{}
	}
	m.codes[email] = code
	return nil
}

func (m *captureMailer) code(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

type testAPI struct {
	server *httptest.Server
	users  *service.UserService
	mailer *captureMailer
}

// newTestAPI serves the full route table over in-memory stores, behind the
// session token middleware.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := discardLogger()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	limiter := ratelimit.NewLimiter(1000, time.Minute)
	t.Cleanup(limiter.Stop)

	tokens := auth.NewTokenManager("test-secret", "test")
	mailer := &captureMailer{}
	provider := identity.NewProvider(
		repository.NewMemoryCredentialRepository(),
		tokens,
		limiter,
		node,
		mailer,
		identity.Config{
			PasswordMinLength: 8,
			SignInMaxAttempts: 100,
			SignInWindow:      time.Minute,
			ResetTTL:          time.Hour,
			BcryptCost:        bcrypt.MinCost,
		},
		logger,
	)
	users := service.NewUserService(repository.NewMemoryUserRepository(),
		invariant.Clock{Epoch: invariant.DefaultEpoch, Skew: time.Minute, Now: time.Now}, nil, logger)
	devices := service.NewDeviceSessionService(repository.NewMemoryDeviceSessionRepository(nil), domain.DefaultHeartbeatTTL, logger)
	maintenance := service.NewMaintenanceService(users, provider, nil, logger)

	sessions := NewSessions(users, provider, devices, tokens, nil, logger)
	mux := http.NewServeMux()
	NewAuthHandler(sessions, logger).Register(mux)
	NewSessionHandler(sessions, logger).Register(mux)
	NewUsersHandler(sessions, users, logger).Register(mux)
	NewMaintenanceHandler(sessions, maintenance, time.Hour, logger).Register(mux)
	NewHealthHandler(map[string]Checker{"memory": func(context.Context) error { return nil }}, logger).Register(mux)

	srv := httptest.NewServer(middleware.JWTMiddleware(tokens, logger)(mux))
	t.Cleanup(srv.Close)
	return &testAPI{server: srv, users: users, mailer: mailer}
}

type apiUser struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	InviteStatus string `json:"inviteStatus"`
	IsDisabled   bool   `json:"isDisabled"`
	Name         string `json:"name"`
}

type apiToken struct {
	Token     string   `json:"token"`
	SessionID string   `json:"sessionId"`
	User      *apiUser `json:"user"`
}

type apiSession struct {
	State   string   `json:"state"`
	User    *apiUser `json:"user"`
	Version uint64   `json:"version"`
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func expectError(t *testing.T, resp *http.Response, status int, kind string) ErrorResponse {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, kind, body.Error)
	return body
}

func (a *testAPI) bootstrap(t *testing.T) apiToken {
	t.Helper()
	resp := a.do(t, http.MethodPost, "/api/auth/bootstrap", "", BootstrapRequest{
		Email: "owner@example.com", Password: testPassword, Name: "Olive Owner",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[apiToken](t, resp)
}

// join invites email with role as the owner, then signs the invitee up.
func (a *testAPI) join(t *testing.T, ownerToken, email, role string) apiToken {
	t.Helper()
	resp := a.do(t, http.MethodPost, "/api/users/invites", ownerToken, map[string]string{
		"name": "Invitee", "email": email, "role": role,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	invited := decode[apiUser](t, resp)
	assert.Equal(t, "invited", invited.InviteStatus)

	resp = a.do(t, http.MethodPost, "/api/auth/sign-up", "", CredentialsRequest{Email: email, Password: testPassword})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	tok := decode[apiToken](t, resp)
	require.NotEmpty(t, tok.Token)
	assert.Equal(t, "activated", tok.User.InviteStatus)
	return tok
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ready := decode[ReadinessResponse](t, resp)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, "ok", ready.Checks["memory"])
}

func TestReadyReportsFailingCheck(t *testing.T) {
	h := NewHealthHandler(map[string]Checker{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}, discardLogger())
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var ready ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ready))
	assert.Equal(t, "not_ready", ready.Status)
}

func TestSessionRequiresToken(t *testing.T) {
	api := newTestAPI(t)
	expectError(t, api.do(t, http.MethodGet, "/api/session", "", nil), http.StatusUnauthorized, "not_authenticated")
	expectError(t, api.do(t, http.MethodGet, "/api/session", "garbage", nil), http.StatusUnauthorized, "session_expired")
}

func TestBootstrapFlow(t *testing.T) {
	api := newTestAPI(t)
	owner := api.bootstrap(t)
	assert.Equal(t, "owner", owner.User.Role)

	resp := api.do(t, http.MethodGet, "/api/session", owner.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := decode[apiSession](t, resp)
	assert.Equal(t, "authenticated", sess.State)
	require.NotNil(t, sess.User)
	assert.Equal(t, owner.User.ID, sess.User.ID)

	resp = api.do(t, http.MethodPost, "/api/auth/bootstrap", "", BootstrapRequest{
		Email: "second@example.com", Password: testPassword, Name: "Second",
	})
	body := expectError(t, resp, http.StatusConflict, "invariant_violation")
	assert.Equal(t, "owner.single", body.Rule)
}

func TestBootstrapRejectsMissingFields(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(t, http.MethodPost, "/api/auth/bootstrap", "", BootstrapRequest{Email: "owner@example.com"})
	expectError(t, resp, http.StatusBadRequest, "bad_request")
}

func TestInvitedUserCannotSignInBeforeSignUp(t *testing.T) {
	api := newTestAPI(t)
	owner := api.bootstrap(t)

	resp := api.do(t, http.MethodPost, "/api/users/invites", owner.Token, map[string]string{
		"name": "Mia", "email": "mia@example.com", "role": "manager",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/auth/sign-in", "", CredentialsRequest{Email: "mia@example.com", Password: testPassword})
	expectError(t, resp, http.StatusUnauthorized, "invalid_credentials")
}

func TestSignUpWithoutInvite(t *testing.T) {
	api := newTestAPI(t)
	api.bootstrap(t)

	resp := api.do(t, http.MethodPost, "/api/auth/sign-up", "", CredentialsRequest{Email: "stranger@example.com", Password: testPassword})
	expectError(t, resp, http.StatusNotFound, "invite_invalid")
}

func TestUsersAuthorization(t *testing.T) {
	api := newTestAPI(t)
	owner := api.bootstrap(t)
	manager := api.join(t, owner.Token, "mia@example.com", "manager")
	employee := api.join(t, owner.Token, "eve@example.com", "employee")

	t.Run("manager searches", func(t *testing.T) {
		resp := api.do(t, http.MethodGet, "/api/users?limit=10", manager.Token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		page := decode[struct {
			Data []apiUser `json:"data"`
		}](t, resp)
		assert.Len(t, page.Data, 3)
	})

	t.Run("employee cannot search", func(t *testing.T) {
		resp := api.do(t, http.MethodGet, "/api/users", employee.Token, nil)
		expectError(t, resp, http.StatusForbidden, "not_authorized")
	})

	t.Run("employee reads itself", func(t *testing.T) {
		resp := api.do(t, http.MethodGet, "/api/users/"+employee.User.ID, employee.Token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "eve@example.com", decode[apiUser](t, resp).Email)
	})

	t.Run("manager edits only itself", func(t *testing.T) {
		name := "Not The Owner"
		resp := api.do(t, http.MethodPatch, "/api/users/"+owner.User.ID+"/profile", manager.Token, ProfileRequest{Name: &name})
		expectError(t, resp, http.StatusForbidden, "not_self")

		own := "Mia M."
		resp = api.do(t, http.MethodPatch, "/api/users/"+manager.User.ID+"/profile", manager.Token, ProfileRequest{Name: &own})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, own, decode[apiUser](t, resp).Name)
	})

	t.Run("manager cannot change roles", func(t *testing.T) {
		resp := api.do(t, http.MethodPatch, "/api/users/"+employee.User.ID+"/role", manager.Token, map[string]string{"role": "manager"})
		expectError(t, resp, http.StatusForbidden, "not_owner")
	})

	t.Run("invalid search filter", func(t *testing.T) {
		resp := api.do(t, http.MethodGet, "/api/users?role=admin", owner.Token, nil)
		expectError(t, resp, http.StatusBadRequest, "bad_request")
	})
}

func TestDisabledUserLosesSession(t *testing.T) {
	api := newTestAPI(t)
	owner := api.bootstrap(t)
	employee := api.join(t, owner.Token, "eve@example.com", "employee")

	disabled := true
	resp := api.do(t, http.MethodPatch, "/api/users/"+employee.User.ID+"/status", owner.Token, StatusRequest{IsDisabled: &disabled})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[apiUser](t, resp).IsDisabled)

	expectError(t, api.do(t, http.MethodGet, "/api/session", employee.Token, nil), http.StatusForbidden, "user_disabled")
	// The device session was revoked on the failed restore.
	expectError(t, api.do(t, http.MethodGet, "/api/session", employee.Token, nil), http.StatusUnauthorized, "session_expired")

	resp = api.do(t, http.MethodPost, "/api/auth/sign-in", "", CredentialsRequest{Email: "eve@example.com", Password: testPassword})
	expectError(t, resp, http.StatusForbidden, "user_disabled")

	resp = api.do(t, http.MethodPost, "/api/users/"+employee.User.ID+"/reactivate", owner.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/auth/sign-in", "", CredentialsRequest{Email: "eve@example.com", Password: testPassword})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHeartbeatAndSignOut(t *testing.T) {
	api := newTestAPI(t)
	owner := api.bootstrap(t)

	resp := api.do(t, http.MethodPost, "/api/session/heartbeat", owner.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	renewed := decode[apiToken](t, resp)
	require.NotEmpty(t, renewed.Token)
	assert.Equal(t, owner.SessionID, renewed.SessionID)

	resp = api.do(t, http.MethodGet, "/api/session/devices", renewed.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	devices := decode[struct {
		Devices []domain.DeviceSession `json:"devices"`
	}](t, resp)
	assert.Len(t, devices.Devices, 1)

	resp = api.do(t, http.MethodPost, "/api/auth/sign-out", renewed.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	expectError(t, api.do(t, http.MethodGet, "/api/session", owner.Token, nil), http.StatusUnauthorized, "session_expired")
	expectError(t, api.do(t, http.MethodPost, "/api/session/heartbeat", renewed.Token, nil), http.StatusUnauthorized, "session_expired")
}

func TestSignInKeepsOtherDevices(t *testing.T) {
	api := newTestAPI(t)
	first := api.bootstrap(t)

	resp := api.do(t, http.MethodPost, "/api/auth/sign-in", "", CredentialsRequest{Email: "owner@example.com", Password: testPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[apiToken](t, resp)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/session", first.Token, nil).StatusCode)
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/session", second.Token, nil).StatusCode)
}

func TestPasswordResetFlow(t *testing.T) {
	api := newTestAPI(t)
	api.bootstrap(t)

	resp := api.do(t, http.MethodPost, "/api/auth/password-reset", "", PasswordResetRequest{Email: "nobody@example.com"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/auth/password-reset", "", PasswordResetRequest{Email: "owner@example.com"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	code := api.mailer.code("owner@example.com")
	require.NotEmpty(t, code)

	resp = api.do(t, http.MethodPost, "/api/auth/password-reset/confirm", "", PasswordResetConfirmRequest{Code: code, NewPassword: "another-long-password"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/auth/sign-in", "", CredentialsRequest{Email: "owner@example.com", Password: testPassword})
	expectError(t, resp, http.StatusUnauthorized, "invalid_credentials")
	resp = api.do(t, http.MethodPost, "/api/auth/sign-in", "", CredentialsRequest{Email: "owner@example.com", Password: "another-long-password"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMaintenanceIsOwnerOnly(t *testing.T) {
	api := newTestAPI(t)
	owner := api.bootstrap(t)
	manager := api.join(t, owner.Token, "mia@example.com", "manager")

	resp := api.do(t, http.MethodPost, "/api/maintenance/orphans", manager.Token, nil)
	expectError(t, resp, http.StatusForbidden, "not_owner")

	resp = api.do(t, http.MethodPost, "/api/maintenance/orphans", owner.Token, OrphansRequest{GracePeriod: "0s"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[service.OrphanReport](t, resp)
	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.Scanned)
	assert.Empty(t, report.Orphans)

	resp = api.do(t, http.MethodPost, "/api/maintenance/orphans", owner.Token, OrphansRequest{GracePeriod: "soon"})
	expectError(t, resp, http.StatusBadRequest, "bad_request")

	resp = api.do(t, http.MethodPost, "/api/maintenance/reconcile-emails", owner.Token, ReconcileRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	emails := decode[service.EmailReport](t, resp)
	assert.Empty(t, emails.Duplicates)
	assert.Empty(t, emails.Violations)
}
