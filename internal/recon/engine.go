// Package recon implements the shared reconciliation engine: given the
// currently persisted state of an aggregate and a new observation (an
// asynchronous notification, an active gateway query result, or a user or
// operator action), it computes the next state and applies it through a
// conditional write keyed on the status the decision was computed from.
// Re-running the same observation against already-transitioned state is a
// safe no-op.
package recon

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"payment-engine/internal/models"
	"payment-engine/internal/util"
)

// maxRecomputes bounds the re-read/recompute loop after a lost race.
const maxRecomputes = 3

// Observation sources, recorded for audit.
const (
	SourceNotification = "NOTIFICATION"
	SourceActiveQuery  = "ACTIVE_QUERY"
	SourceUserAction   = "USER_ACTION"
)

// Target describes one aggregate document to the engine. Read re-fetches
// the current status; Write is the conditional update primitive.
type Target struct {
	Aggregate string
	Ref       string
	Read      func(ctx context.Context) (string, error)
	CanMove   func(from, to string) bool
	Write     func(ctx context.Context, expected, next string) (bool, error)
}

// SideEffect is executed after the owning document's conditional write
// succeeds. Effects must be idempotent; a failed effect is logged and left
// for the read-repair path to retry, never rolled back.
type SideEffect func(ctx context.Context) error

// Engine holds no aggregate state; every invocation re-reads current
// persisted state before deciding a transition.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a reconciliation engine.
func NewEngine() *Engine {
	return &Engine{logger: util.GetLogger()}
}

// Observe applies an observation that implies the target should now be in
// status next. Observations that match no valid transition from the current
// state are discarded with a warning (a duplicate "already paid"
// notification is not an error). Returns whether this invocation applied
// the transition.
func (e *Engine) Observe(ctx context.Context, source string, t Target, next string, effects ...SideEffect) (bool, error) {
	for attempt := 0; attempt < maxRecomputes; attempt++ {
		current, err := t.Read(ctx)
		if err != nil {
			return false, err
		}

		if current == next {
			// Already reconciled, duplicate delivery.
			return false, nil
		}

		if !t.CanMove(current, next) {
			e.logger.Warn("Observation discarded: no valid transition",
				zap.String("aggregate", t.Aggregate),
				zap.String("ref", t.Ref),
				zap.String("source", source),
				zap.String("current", current),
				zap.String("observed", next))
			util.TransitionsDiscardedTotal.WithLabelValues(t.Aggregate).Inc()
			return false, nil
		}

		applied, err := t.Write(ctx, current, next)
		if err != nil {
			return false, err
		}
		if !applied {
			// The document changed under us; re-read and recompute
			// instead of overwriting.
			util.TransitionConflictsTotal.WithLabelValues(t.Aggregate).Inc()
			continue
		}

		e.logger.Info("Transition applied",
			zap.String("aggregate", t.Aggregate),
			zap.String("ref", t.Ref),
			zap.String("source", source),
			zap.String("from", current),
			zap.String("to", next))
		util.TransitionsAppliedTotal.WithLabelValues(t.Aggregate, next).Inc()

		e.runEffects(ctx, t, effects)
		return true, nil
	}

	return false, fmt.Errorf("reconcile %s %s to %s: %w", t.Aggregate, t.Ref, next, models.ErrConflict)
}

// Transition applies an explicit user or operator action. Unlike Observe,
// an action from a state that forbids the move fails with
// ErrInvalidTransition and is surfaced to the caller, never silently
// coerced.
func (e *Engine) Transition(ctx context.Context, operator string, t Target, next string, effects ...SideEffect) error {
	for attempt := 0; attempt < maxRecomputes; attempt++ {
		current, err := t.Read(ctx)
		if err != nil {
			return err
		}

		if !t.CanMove(current, next) {
			return fmt.Errorf("%s %s: %s -> %s: %w", t.Aggregate, t.Ref, current, next, models.ErrInvalidTransition)
		}

		applied, err := t.Write(ctx, current, next)
		if err != nil {
			return err
		}
		if !applied {
			util.TransitionConflictsTotal.WithLabelValues(t.Aggregate).Inc()
			continue
		}

		e.logger.Info("Transition applied",
			zap.String("aggregate", t.Aggregate),
			zap.String("ref", t.Ref),
			zap.String("source", SourceUserAction),
			zap.String("operator", operator),
			zap.String("from", current),
			zap.String("to", next))
		util.TransitionsAppliedTotal.WithLabelValues(t.Aggregate, next).Inc()

		e.runEffects(ctx, t, effects)
		return nil
	}

	return fmt.Errorf("transition %s %s to %s: %w", t.Aggregate, t.Ref, next, models.ErrConflict)
}

func (e *Engine) runEffects(ctx context.Context, t Target, effects []SideEffect) {
	for _, effect := range effects {
		if err := effect(ctx); err != nil {
			e.logger.Error("Side effect failed, will self-heal on next read",
				zap.String("aggregate", t.Aggregate),
				zap.String("ref", t.Ref),
				zap.Error(err))
		}
	}
}
