package handler

import (
	"log/slog"
	"net/http"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/security/middleware"
	"github.com/aryan0dhankhar/accessgate/internal/session"
)

// SessionHandler serves endpoints that act on the caller's own session.
type SessionHandler struct {
	sessions *Sessions
	logger   *slog.Logger
}

func NewSessionHandler(sessions *Sessions, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{sessions: sessions, logger: logger}
}

// SessionResponse describes the caller's session.
type SessionResponse struct {
	session.Snapshot
	Device *domain.DeviceSession `json:"device"`
}

type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type ConfirmPasswordRequest struct {
	Password string `json:"password"`
}

func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/session", serve(h.logger, h.Get))
	mux.HandleFunc("POST /api/session/heartbeat", serve(h.logger, h.Heartbeat))
	mux.HandleFunc("GET /api/session/devices", serve(h.logger, h.Devices))
	mux.HandleFunc("POST /api/auth/sign-out", serve(h.logger, h.SignOut))
	mux.HandleFunc("POST /api/auth/password", serve(h.logger, h.ChangePassword))
	mux.HandleFunc("POST /api/auth/password/confirm", serve(h.logger, h.ConfirmPassword))
	mux.HandleFunc("POST /api/invites/accept", serve(h.logger, h.AcceptInvite))
}

// Get handles GET /api/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) error {
	svc, ds, err := h.sessions.Restore(r.Context(), middleware.GetClaimsFromContext(r.Context()))
	if err != nil {
		return err
	}
	defer svc.Close()

	writeJSON(w, http.StatusOK, SessionResponse{Snapshot: svc.Snapshot(), Device: ds})
	return nil
}

// Heartbeat handles POST /api/session/heartbeat. The device session is
// extended and a token covering the new window is returned.
func (h *SessionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) error {
	claims := middleware.GetClaimsFromContext(r.Context())
	svc, _, err := h.sessions.Restore(r.Context(), claims)
	if err != nil {
		return err
	}
	defer svc.Close()

	ds, err := h.sessions.devices.Heartbeat(r.Context(), claims.SessionID, claims.UserID)
	if err != nil {
		return err
	}
	token, err := h.sessions.tokens.GenerateSessionToken(claims.UserID, ds.ID, h.sessions.devices.TTL())
	if err != nil {
		return domain.Infrastructure("sign session token", err)
	}
	u, _ := svc.RequireAuthenticated()
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, SessionID: ds.ID, ExpiresAt: ds.ExpiresAt, User: u})
	return nil
}

// Devices handles GET /api/session/devices
func (h *SessionHandler) Devices(w http.ResponseWriter, r *http.Request) error {
	svc, _, err := h.sessions.Restore(r.Context(), middleware.GetClaimsFromContext(r.Context()))
	if err != nil {
		return err
	}
	defer svc.Close()

	u, err := svc.RequireAuthenticated()
	if err != nil {
		return err
	}
	list, err := h.sessions.devices.ListForUser(r.Context(), u.ID)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*domain.DeviceSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": list})
	return nil
}

// SignOut handles POST /api/auth/sign-out. The device session is revoked even
// when the user can no longer be resolved.
func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) error {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		return domain.ErrNotAuthenticated
	}
	svc, _, err := h.sessions.Restore(r.Context(), claims)
	if err == nil {
		if serr := svc.SignOut(r.Context()); serr != nil {
			h.logger.Warn("provider sign-out failed", slog.String("error", serr.Error()))
		}
		svc.Close()
	}
	if err := h.sessions.End(r.Context(), claims); err != nil {
		return err
	}
	writeJSON(w, http.StatusNoContent, nil)
	return nil
}

// ChangePassword handles POST /api/auth/password
func (h *SessionHandler) ChangePassword(w http.ResponseWriter, r *http.Request) error {
	var req ChangePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.OldPassword == "" || req.NewPassword == "" {
		return invalid("oldPassword and newPassword are required")
	}
	svc, _, err := h.sessions.Restore(r.Context(), middleware.GetClaimsFromContext(r.Context()))
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.ChangePassword(r.Context(), req.OldPassword, req.NewPassword); err != nil {
		return err
	}
	writeJSON(w, http.StatusNoContent, nil)
	return nil
}

// ConfirmPassword handles POST /api/auth/password/confirm
func (h *SessionHandler) ConfirmPassword(w http.ResponseWriter, r *http.Request) error {
	var req ConfirmPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Password == "" {
		return invalid("password is required")
	}
	svc, _, err := h.sessions.Restore(r.Context(), middleware.GetClaimsFromContext(r.Context()))
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.ConfirmPassword(r.Context(), req.Password); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]bool{"confirmed": true})
	return nil
}

// AcceptInvite handles POST /api/invites/accept
func (h *SessionHandler) AcceptInvite(w http.ResponseWriter, r *http.Request) error {
	svc, _, err := h.sessions.Restore(r.Context(), middleware.GetClaimsFromContext(r.Context()))
	if err != nil {
		return err
	}
	defer svc.Close()

	u, err := svc.AcceptInvite(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, u)
	return nil
}
