// Package worker consumes build lifecycle jobs from the asynq queues.
package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/argos-ci/argos-sub005/internal/apperr"
	"github.com/argos-ci/argos-sub005/internal/conclude"
	"github.com/argos-ci/argos-sub005/internal/config"
	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/argos-ci/argos-sub005/internal/queue"
	"github.com/hibiken/asynq"
)

// Handlers are the components jobs are routed to.
type Handlers struct {
	Pipeline interface {
		ProcessBuild(ctx context.Context, buildID string) error
	}
	Concluder interface {
		ConcludeBuild(ctx context.Context, buildID string, opts conclude.Options) (*models.Build, error)
	}
	Reviewer interface {
		ReviewBuild(ctx context.Context, buildID string) (*models.BuildReview, error)
	}
	Notifier interface {
		Deliver(ctx context.Context, notificationID string) error
	}
	Automation interface {
		Run(ctx context.Context, runID string) error
	}
}

// Server routes tasks to Handlers.
type Server struct {
	h Handlers
}

// New returns a Server.
func New(h Handlers) *Server {
	return &Server{h: h}
}

// Mux returns the task routing table.
func (s *Server) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeBuild, s.handle(func(ctx context.Context, id string) error {
		return s.h.Pipeline.ProcessBuild(ctx, id)
	}))
	mux.HandleFunc(queue.TypeConcludeBuild, s.handle(func(ctx context.Context, id string) error {
		_, err := s.h.Concluder.ConcludeBuild(ctx, id, conclude.Options{Notify: true, AutoApprove: true})
		return err
	}))
	mux.HandleFunc(queue.TypeBuildReview, s.handle(func(ctx context.Context, id string) error {
		_, err := s.h.Reviewer.ReviewBuild(ctx, id)
		return err
	}))
	mux.HandleFunc(queue.TypeNotification, s.handle(s.h.Notifier.Deliver))
	mux.HandleFunc(queue.TypeAutomationRun, s.handle(s.h.Automation.Run))
	return mux
}

// handle decodes the payload and stops retries of unretryable failures.
func (s *Server) handle(fn func(ctx context.Context, id string) error) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		p, err := queue.DecodePayload(t.Payload())
		if err != nil {
			log.Printf("worker: %s: %v", t.Type(), err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		if err := fn(ctx, p.ID); err != nil {
			if apperr.IsUnretryable(err) {
				log.Printf("worker: %s %s: unretryable: %v", t.Type(), p.ID, err)
				return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
			}
			return err
		}
		return nil
	}
}

// RedisOpt returns the asynq connection options for cfg.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
}

// Run serves jobs until ctx is cancelled.
func (s *Server) Run(ctx context.Context, redis asynq.RedisClientOpt, cfg config.WorkerConfig) error {
	srv := asynq.NewServer(redis, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      cfg.Queues,
		IsFailure: func(err error) bool {
			return !apperr.IsUnretryable(err)
		},
	})
	if err := srv.Start(s.Mux()); err != nil {
		return fmt.Errorf("worker: start: %w", err)
	}
	log.Printf("worker: started with concurrency %d", cfg.Concurrency)
	<-ctx.Done()
	srv.Shutdown()
	log.Printf("worker: stopped")
	return nil
}
