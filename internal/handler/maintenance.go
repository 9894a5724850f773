package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aryan0dhankhar/accessgate/internal/security"
	"github.com/aryan0dhankhar/accessgate/internal/security/middleware"
	"github.com/aryan0dhankhar/accessgate/internal/service"
)

// MaintenanceHandler exposes the owner-only repair tasks.
type MaintenanceHandler struct {
	sessions     *Sessions
	maintenance  *service.MaintenanceService
	defaultGrace time.Duration
	logger       *slog.Logger
}

func NewMaintenanceHandler(sessions *Sessions, maintenance *service.MaintenanceService, defaultGrace time.Duration, logger *slog.Logger) *MaintenanceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MaintenanceHandler{
		sessions:     sessions,
		maintenance:  maintenance,
		defaultGrace: defaultGrace,
		logger:       logger,
	}
}

// OrphansRequest defaults to a dry run with the configured grace period.
type OrphansRequest struct {
	DryRun      *bool  `json:"dryRun"`
	GracePeriod string `json:"gracePeriod"`
}

type ReconcileRequest struct {
	Resolve bool `json:"resolve"`
}

func (h *MaintenanceHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/maintenance/orphans", serve(h.logger, h.Orphans))
	mux.HandleFunc("POST /api/maintenance/reconcile-emails", serve(h.logger, h.ReconcileEmails))
}

func (h *MaintenanceHandler) authorize(r *http.Request) error {
	svc, _, err := h.sessions.Restore(r.Context(), middleware.GetClaimsFromContext(r.Context()))
	if err != nil {
		return err
	}
	defer svc.Close()
	_, err = svc.Authorize(r.Context(), security.PermMaintenance)
	return err
}

// Orphans handles POST /api/maintenance/orphans
func (h *MaintenanceHandler) Orphans(w http.ResponseWriter, r *http.Request) error {
	var req OrphansRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	opts := service.OrphanOptions{DryRun: true, GracePeriod: h.defaultGrace}
	if req.DryRun != nil {
		opts.DryRun = *req.DryRun
	}
	if req.GracePeriod != "" {
		d, err := time.ParseDuration(req.GracePeriod)
		if err != nil || d < 0 {
			return invalid("invalid gracePeriod %q", req.GracePeriod)
		}
		opts.GracePeriod = d
	}
	if err := h.authorize(r); err != nil {
		return err
	}

	report, err := h.maintenance.CleanupOrphans(r.Context(), opts)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, report)
	return nil
}

// ReconcileEmails handles POST /api/maintenance/reconcile-emails
func (h *MaintenanceHandler) ReconcileEmails(w http.ResponseWriter, r *http.Request) error {
	var req ReconcileRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := h.authorize(r); err != nil {
		return err
	}

	report, err := h.maintenance.ReconcileEmails(r.Context(), req.Resolve)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, report)
	return nil
}
