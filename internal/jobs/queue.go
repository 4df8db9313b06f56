package jobs

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Enqueuer hands rollouts to the job queue
type Enqueuer interface {
	EnqueueRegisterGeneration(ctx context.Context, p RegisterGenerationPayload) (string, error)
}

// AsynqEnqueuer enqueues rollouts on Redis through asynq
type AsynqEnqueuer struct {
	client *asynq.Client
}

// NewAsynqEnqueuer wraps client
func NewAsynqEnqueuer(client *asynq.Client) *AsynqEnqueuer {
	return &AsynqEnqueuer{client: client}
}

// EnqueueRegisterGeneration implements Enqueuer and returns the task ID
func (e *AsynqEnqueuer) EnqueueRegisterGeneration(ctx context.Context, p RegisterGenerationPayload) (string, error) {
	task, err := NewRegisterGenerationTask(p)
	if err != nil {
		return "", err
	}
	info, err := e.client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", TaskRegisterGeneration, err)
	}
	return info.ID, nil
}

// NewServer creates the asynq server processing rollouts
func NewServer(redisAddr string, logger zerolog.Logger) *asynq.Server {
	return asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		// rollouts are serialized by the controller anyway
		Concurrency: 1,
		Queues: map[string]int{
			QueueRollout: 10,
		},
		Logger: asynqLogger{logger: logger.With().Str("component", "asynq").Logger()},
	})
}

// asynqLogger adapts zerolog to asynq.Logger
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
