package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TaskRegisterGeneration = "offline:register_generation"

	// QueueRollout carries generation rollouts
	QueueRollout = "rollout"

	rolloutMaxRetry = 5
	rolloutTimeout  = 5 * time.Minute
)

// RegisterGenerationPayload asks the gateway to install a new cache generation
type RegisterGenerationPayload struct {
	RolloutID  uuid.UUID `json:"rollout_id"`
	Generation string    `json:"generation"`
	// Precache replaces the manifest when set
	Precache    []string `json:"precache,omitempty"`
	SkipWaiting *bool    `json:"skip_waiting,omitempty"`
}

// NewRegisterGenerationTask builds the task for p. The rollout ID doubles as
// the task ID so a rollout is enqueued at most once.
func NewRegisterGenerationTask(p RegisterGenerationPayload) (*asynq.Task, error) {
	if p.RolloutID == uuid.Nil {
		p.RolloutID = uuid.New()
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal register payload: %w", err)
	}
	return asynq.NewTask(TaskRegisterGeneration, payload,
		asynq.TaskID(p.RolloutID.String()),
		asynq.Queue(QueueRollout),
		asynq.MaxRetry(rolloutMaxRetry),
		asynq.Timeout(rolloutTimeout),
	), nil
}
