package handler

import (
	"log/slog"
	"net/http"
	"strings"
)

// AuthHandler serves the signed-out credential endpoints.
type AuthHandler struct {
	sessions *Sessions
	logger   *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(sessions *Sessions, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &AuthHandler{
		sessions: sessions,
		logger:   logger,
	}
}

// BootstrapRequest creates the first account and the owner record.
type BootstrapRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// CredentialsRequest represents sign-in and invite sign-up requests
type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type PasswordResetRequest struct {
	Email string `json:"email"`
}

type PasswordResetConfirmRequest struct {
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

func (h *AuthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/bootstrap", serve(h.logger, h.Bootstrap))
	mux.HandleFunc("POST /api/auth/sign-in", serve(h.logger, h.SignIn))
	mux.HandleFunc("POST /api/auth/sign-up", serve(h.logger, h.SignUp))
	mux.HandleFunc("POST /api/auth/password-reset", serve(h.logger, h.PasswordReset))
	mux.HandleFunc("POST /api/auth/password-reset/confirm", serve(h.logger, h.PasswordResetConfirm))
}

// Bootstrap handles POST /api/auth/bootstrap
func (h *AuthHandler) Bootstrap(w http.ResponseWriter, r *http.Request) error {
	var req BootstrapRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Email == "" || req.Password == "" || strings.TrimSpace(req.Name) == "" {
		return invalid("email, password and name are required")
	}

	svc, err := h.sessions.Anonymous(r.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	u, err := svc.OwnerBootstrap(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		return err
	}
	resp, err := h.sessions.Issue(r.Context(), u, r.UserAgent())
	if err != nil {
		return err
	}

	h.logger.Info("owner bootstrapped", slog.String("user_id", u.ID))
	writeJSON(w, http.StatusCreated, resp)
	return nil
}

// SignIn handles POST /api/auth/sign-in
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) error {
	var req CredentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Email == "" || req.Password == "" {
		return invalid("email and password are required")
	}

	svc, err := h.sessions.Anonymous(r.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	u, err := svc.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Info("sign-in failed",
			slog.String("email", req.Email),
			slog.String("error", err.Error()),
		)
		return err
	}
	resp, err := h.sessions.Issue(r.Context(), u, r.UserAgent())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

// SignUp handles POST /api/auth/sign-up for invited users.
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) error {
	var req CredentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Email == "" || req.Password == "" {
		return invalid("email and password are required")
	}

	svc, err := h.sessions.Anonymous(r.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	u, err := svc.SignUpWithInvite(r.Context(), req.Email, req.Password)
	if err != nil {
		return err
	}
	resp, err := h.sessions.Issue(r.Context(), u, r.UserAgent())
	if err != nil {
		return err
	}

	h.logger.Info("invited user signed up", slog.String("user_id", u.ID))
	writeJSON(w, http.StatusCreated, resp)
	return nil
}

// PasswordReset handles POST /api/auth/password-reset. Unknown emails get
// the same answer as known ones.
func (h *AuthHandler) PasswordReset(w http.ResponseWriter, r *http.Request) error {
	var req PasswordResetRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Email == "" {
		return invalid("email is required")
	}

	svc, err := h.sessions.Anonymous(r.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.SendPasswordResetEmail(r.Context(), req.Email); err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
	return nil
}

// PasswordResetConfirm handles POST /api/auth/password-reset/confirm
func (h *AuthHandler) PasswordResetConfirm(w http.ResponseWriter, r *http.Request) error {
	var req PasswordResetConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Code == "" || req.NewPassword == "" {
		return invalid("code and newPassword are required")
	}

	svc, err := h.sessions.Anonymous(r.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.ConfirmPasswordReset(r.Context(), req.Code, req.NewPassword); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_updated"})
	return nil
}
