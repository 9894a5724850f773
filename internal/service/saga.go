package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/observability/metrics"
	"github.com/aryan0dhankhar/accessgate/internal/reliability/retry"
)

// saga records undo steps for a multi-system operation. On failure the steps
// run newest first, each retried; failures are attached to the primary error.
type saga struct {
	name   string
	steps  []sagaStep
	retry  *retry.Config
	logger *slog.Logger
}

type sagaStep struct {
	name string
	undo func(ctx context.Context) error
}

func newSaga(name string, cfg *retry.Config, logger *slog.Logger) *saga {
	if cfg == nil {
		cfg = retry.CompensationConfig()
	}
	return &saga{name: name, retry: cfg, logger: logger}
}

// onFailure registers undo. Steps must be idempotent.
func (s *saga) onFailure(step string, undo func(ctx context.Context) error) {
	s.steps = append(s.steps, sagaStep{name: step, undo: undo})
}

// compensate rolls back and returns primary, carrying any rollback failures.
// Rollback ignores cancellation of ctx.
func (s *saga) compensate(ctx context.Context, primary error) error {
	ctx = context.WithoutCancel(ctx)
	var failures []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		err := retry.Run(ctx, s.retry, s.logger, s.name+"."+step.name, step.undo)
		if err != nil {
			metrics.ObserveCompensation(s.name, step.name, "failed")
			s.logger.Error("compensation failed",
				slog.String("saga", s.name),
				slog.String("step", step.name),
				slog.String("error", err.Error()),
			)
			failures = append(failures, err)
			continue
		}
		metrics.ObserveCompensation(s.name, step.name, "ok")
		s.logger.Info("compensation applied",
			slog.String("saga", s.name),
			slog.String("step", step.name),
		)
	}
	s.steps = nil
	return domain.WithCompensation(primary, errors.Join(failures...))
}
