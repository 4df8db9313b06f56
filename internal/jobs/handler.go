// Package jobs runs generation rollouts through the asynq job queue
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/offlinecache/internal/worker"
)

// Registrar installs and activates worker generations. *worker.Controller
// satisfies it.
type Registrar interface {
	Register(ctx context.Context, p worker.Policy) (*worker.Registration, error)
}

// Handler processes rollout tasks
type Handler struct {
	registrar Registrar
	base      func() worker.Policy
	logger    zerolog.Logger
}

// NewHandler creates a handler registering generations derived from the
// policy base returns
func NewHandler(registrar Registrar, base func() worker.Policy, logger zerolog.Logger) *Handler {
	return &Handler{registrar: registrar, base: base, logger: logger}
}

// Mux returns a serve mux routing rollout tasks to h
func (h *Handler) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TaskRegisterGeneration, h)
	return mux
}

// ProcessTask implements asynq.Handler
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p RegisterGenerationPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.logger.Error().Err(err).Msg("[asynq] bad payload")
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	log := h.logger.With().
		Str("rollout", p.RolloutID.String()).
		Str("generation", p.Generation).
		Logger()
	log.Info().Msg("[rollout] start")
	start := time.Now()

	reg, err := h.Register(ctx, p)
	duration := time.Since(start)
	if err != nil {
		if isRetryableError(err) {
			log.Warn().Err(err).Dur("duration", duration).Msg("[rollout] retryable error")
			return err
		}
		log.Error().Err(err).Dur("duration", duration).Msg("[rollout] permanent error (dropping job)")
		return nil
	}

	log.Info().
		Dur("duration", duration).
		Bool("unchanged", reg.Unchanged).
		Bool("waiting", reg.Waiting).
		Bool("activated", reg.Activated).
		Strs("deleted", reg.Deleted).
		Msg("[rollout] done")
	return nil
}

// Register applies p on top of the base policy. It is also the synchronous
// path when no queue is configured.
func (h *Handler) Register(ctx context.Context, p RegisterGenerationPayload) (*worker.Registration, error) {
	policy := h.base().WithGeneration(p.Generation, p.Precache)
	if p.SkipWaiting != nil {
		policy.SkipWaiting = *p.SkipWaiting
	}
	return h.registrar.Register(ctx, policy)
}

// isRetryableError determines if an error should trigger a job retry
func isRetryableError(err error) bool {
	// Rate limiting and server errors on the manifest may clear up;
	// a missing asset will not
	var perr *worker.PrecacheError
	if errors.As(err, &perr) {
		for _, f := range perr.Failures {
			if f.Err != nil || f.Status == http.StatusTooManyRequests || f.Status >= http.StatusInternalServerError {
				return true
			}
		}
		return false
	}

	// Network/connectivity issues and storage hiccups - should retry
	var nerr *worker.NetworkError
	var serr *worker.StoreError
	if errors.As(err, &nerr) || errors.As(err, &serr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Everything else (invalid policy, bad state) - don't retry
	return false
}
