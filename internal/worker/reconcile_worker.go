package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/aryan0dhankhar/accessgate/internal/featureflags"
	"github.com/aryan0dhankhar/accessgate/internal/service"
)

// EmailReconciler is the maintenance pass the worker drives.
type EmailReconciler interface {
	ReconcileEmails(ctx context.Context, resolve bool) (*service.EmailReport, error)
}

// ReconcileWorker periodically looks for active users sharing an email.
// Duplicates are resolved only while the auto_resolve_duplicates flag is on.
type ReconcileWorker struct {
	reconciler EmailReconciler
	logger     *slog.Logger
	interval   time.Duration
	resolve    func() bool
}

// NewReconcileWorker creates a new reconciliation worker
func NewReconcileWorker(reconciler EmailReconciler, logger *slog.Logger, interval time.Duration) *ReconcileWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileWorker{
		reconciler: reconciler,
		logger:     logger.With(slog.String("component", "reconcile_worker")),
		interval:   interval,
		resolve: func() bool {
			return featureflags.Enabled(featureflags.AutoResolveDuplicates)
		},
	}
}

// Start begins the reconciliation loop and returns when ctx is done.
func (w *ReconcileWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("reconcile worker started", slog.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reconcile worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass.
func (w *ReconcileWorker) RunOnce(ctx context.Context) *service.EmailReport {
	resolve := w.resolve()
	report, err := w.reconciler.ReconcileEmails(ctx, resolve)
	if err != nil {
		w.logger.Error("email reconciliation failed", slog.String("error", err.Error()))
		return nil
	}
	if len(report.Duplicates) > 0 || len(report.Violations) > 0 {
		w.logger.Warn("reconciliation found problems",
			slog.Int("duplicate_groups", len(report.Duplicates)),
			slog.Int("violations", len(report.Violations)),
			slog.Bool("resolve", resolve),
		)
	} else {
		w.logger.Debug("reconciliation clean", slog.Int("scanned", report.Scanned))
	}
	return report
}
