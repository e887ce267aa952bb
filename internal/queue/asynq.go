package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
)

// queueFor routes job types to asynq priority queues.
var queueFor = map[string]string{
	TypeScreenshotDiff: "critical",
	TypeConcludeBuild:  "critical",
	TypeBuild:          "default",
	TypeNotification:   "default",
	TypeAutomationRun:  "default",
	TypePullRequest:    "low",
	TypeBuildReview:    "low",
}

// NewTask builds the asynq task for one job.
func NewTask(jobType, id string) (*asynq.Task, error) {
	payload, err := EncodePayload(id)
	if err != nil {
		return nil, err
	}
	q, ok := queueFor[jobType]
	if !ok {
		q = "default"
	}
	return asynq.NewTask(jobType, payload, asynq.Queue(q), asynq.MaxRetry(5)), nil
}

// Asynq dispatches jobs through an asynq client.
type Asynq struct {
	client *asynq.Client
}

// NewAsynq wraps an asynq client.
func NewAsynq(client *asynq.Client) *Asynq {
	return &Asynq{client: client}
}

// Push implements Dispatcher.
func (a *Asynq) Push(ctx context.Context, jobType string, ids ...string) error {
	for _, id := range ids {
		task, err := NewTask(jobType, id)
		if err != nil {
			return err
		}
		if _, err := a.client.EnqueueContext(ctx, task); err != nil {
			return fmt.Errorf("queue: push %s %s: %w", jobType, id, err)
		}
	}
	return nil
}
