package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/security"
	"github.com/aryan0dhankhar/accessgate/internal/security/middleware"
	"github.com/aryan0dhankhar/accessgate/internal/service"
)

// UsersHandler serves user administration. Every call is authorized against
// the caller's freshly resolved session.
type UsersHandler struct {
	sessions *Sessions
	users    *service.UserService
	logger   *slog.Logger
}

func NewUsersHandler(sessions *Sessions, users *service.UserService, logger *slog.Logger) *UsersHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsersHandler{sessions: sessions, users: users, logger: logger}
}

type InviteRequest struct {
	Name         string      `json:"name"`
	Email        string      `json:"email"`
	Role         domain.Role `json:"role"`
	RoleCategory string      `json:"roleCategory"`
}

type RoleRequest struct {
	Role         domain.Role `json:"role"`
	RoleCategory *string     `json:"roleCategory"`
}

type StatusRequest struct {
	IsDisabled *bool `json:"isDisabled"`
}

type ProfileRequest struct {
	Name     *string `json:"name"`
	PhotoURL *string `json:"photoUrl"`
}

func (h *UsersHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/users", serve(h.logger, h.Search))
	mux.HandleFunc("GET /api/users/{id}", serve(h.logger, h.Get))
	mux.HandleFunc("POST /api/users/invites", serve(h.logger, h.Invite))
	mux.HandleFunc("PATCH /api/users/{id}/role", serve(h.logger, h.UpdateRole))
	mux.HandleFunc("PATCH /api/users/{id}/status", serve(h.logger, h.UpdateStatus))
	mux.HandleFunc("PATCH /api/users/{id}/profile", serve(h.logger, h.UpdateProfile))
	mux.HandleFunc("DELETE /api/users/{id}", serve(h.logger, h.Delete))
	mux.HandleFunc("POST /api/users/{id}/restore", serve(h.logger, h.Restore))
	mux.HandleFunc("POST /api/users/{id}/reactivate", serve(h.logger, h.Reactivate))
	mux.HandleFunc("POST /api/users/{id}/invite/resend", serve(h.logger, h.ResendInvite))
	mux.HandleFunc("POST /api/users/{id}/invite/revoke", serve(h.logger, h.RevokeInvite))
}

// authorize restores the caller and checks permission. With a target id,
// acting on oneself is always allowed.
func (h *UsersHandler) authorize(r *http.Request, permission security.Permission, targetID string) (*domain.User, error) {
	svc, _, err := h.sessions.Restore(r.Context(), middleware.GetClaimsFromContext(r.Context()))
	if err != nil {
		return nil, err
	}
	defer svc.Close()

	if targetID != "" {
		return svc.AuthorizeSelfOr(r.Context(), targetID, permission)
	}
	return svc.Authorize(r.Context(), permission)
}

// Search handles GET /api/users
func (h *UsersHandler) Search(w http.ResponseWriter, r *http.Request) error {
	q, err := parseSearch(r)
	if err != nil {
		return err
	}
	if _, err := h.authorize(r, security.PermSearchUsers, ""); err != nil {
		return err
	}
	page, err := h.users.Search(r.Context(), q)
	if err != nil {
		return err
	}
	if page.Data == nil {
		page.Data = []*domain.User{}
	}
	writeJSON(w, http.StatusOK, page)
	return nil
}

// parseSearch reads filters from the query string. Unknown parameters are
// passed through as Extra and ignored by the search.
func parseSearch(r *http.Request) (service.SearchQuery, error) {
	var q service.SearchQuery
	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		v := values[0]
		switch key {
		case "email":
			q.Email = &v
		case "role":
			role, err := domain.ParseRole(v)
			if err != nil {
				return q, invalid("invalid role %q", v)
			}
			q.Role = &role
		case "roleCategory":
			q.RoleCategory = &v
		case "inviteStatus":
			st, err := domain.ParseInviteStatus(v)
			if err != nil {
				return q, invalid("invalid inviteStatus %q", v)
			}
			q.InviteStatus = &st
		case "isDisabled":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return q, invalid("invalid isDisabled %q", v)
			}
			q.IsDisabled = &b
		case "limit":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return q, invalid("invalid limit %q", v)
			}
			q.Limit = n
		case "cursor":
			q.Cursor = v
		default:
			if q.Extra == nil {
				q.Extra = map[string]string{}
			}
			q.Extra[key] = v
		}
	}
	return q, nil
}

// Get handles GET /api/users/{id}
func (h *UsersHandler) Get(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if _, err := h.authorize(r, security.PermReadUsers, id); err != nil {
		return err
	}
	u, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, u)
	return nil
}

// Invite handles POST /api/users/invites
func (h *UsersHandler) Invite(w http.ResponseWriter, r *http.Request) error {
	var req InviteRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Email == "" || req.Name == "" {
		return invalid("name and email are required")
	}
	if _, err := h.authorize(r, security.PermInviteUsers, ""); err != nil {
		return err
	}
	u, err := h.users.CreateInvitedUser(r.Context(), service.InviteInput{
		Name:         req.Name,
		Email:        req.Email,
		Role:         req.Role,
		RoleCategory: req.RoleCategory,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, u)
	return nil
}

// UpdateRole handles PATCH /api/users/{id}/role
func (h *UsersHandler) UpdateRole(w http.ResponseWriter, r *http.Request) error {
	var req RoleRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if _, err := h.authorize(r, security.PermManageRoles, ""); err != nil {
		return err
	}
	u, err := h.users.UpdateRole(r.Context(), r.PathValue("id"), req.Role, req.RoleCategory)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, u)
	return nil
}

// UpdateStatus handles PATCH /api/users/{id}/status
func (h *UsersHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) error {
	var req StatusRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.IsDisabled == nil {
		return invalid("isDisabled is required")
	}
	if _, err := h.authorize(r, security.PermManageStatus, ""); err != nil {
		return err
	}
	u, err := h.users.UpdateStatus(r.Context(), r.PathValue("id"), *req.IsDisabled)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, u)
	return nil
}

// UpdateProfile handles PATCH /api/users/{id}/profile
func (h *UsersHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) error {
	var req ProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	id := r.PathValue("id")
	if _, err := h.authorize(r, security.PermEditProfiles, id); err != nil {
		return err
	}
	u, err := h.users.UpdateProfile(r.Context(), id, service.ProfileInput{Name: req.Name, PhotoURL: req.PhotoURL})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, u)
	return nil
}

// Delete handles DELETE /api/users/{id}
func (h *UsersHandler) Delete(w http.ResponseWriter, r *http.Request) error {
	if _, err := h.authorize(r, security.PermDeleteUsers, ""); err != nil {
		return err
	}
	if err := h.users.SoftDelete(r.Context(), r.PathValue("id")); err != nil {
		return err
	}
	writeJSON(w, http.StatusNoContent, nil)
	return nil
}

// Restore handles POST /api/users/{id}/restore
func (h *UsersHandler) Restore(w http.ResponseWriter, r *http.Request) error {
	if _, err := h.authorize(r, security.PermRestoreUsers, ""); err != nil {
		return err
	}
	u, err := h.users.Restore(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, u)
	return nil
}

// Reactivate handles POST /api/users/{id}/reactivate
func (h *UsersHandler) Reactivate(w http.ResponseWriter, r *http.Request) error {
	if _, err := h.authorize(r, security.PermManageStatus, ""); err != nil {
		return err
	}
	u, err := h.users.Reactivate(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, u)
	return nil
}

// ResendInvite handles POST /api/users/{id}/invite/resend
func (h *UsersHandler) ResendInvite(w http.ResponseWriter, r *http.Request) error {
	if _, err := h.authorize(r, security.PermManageInvites, ""); err != nil {
		return err
	}
	u, err := h.users.ResendInvite(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, u)
	return nil
}

// RevokeInvite handles POST /api/users/{id}/invite/revoke
func (h *UsersHandler) RevokeInvite(w http.ResponseWriter, r *http.Request) error {
	if _, err := h.authorize(r, security.PermManageInvites, ""); err != nil {
		return err
	}
	u, err := h.users.RevokeInvite(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, u)
	return nil
}
