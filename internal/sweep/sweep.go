// Package sweep periodically re-queues the conclusion of open builds whose
// diffs are all resolved, in case the last diff completion was lost.
package sweep

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/argos-ci/argos-sub005/internal/queue"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// maxAge bounds how far back open builds are swept.
const maxAge = 7 * 24 * time.Hour

// Sweeper finds stuck builds.
type Sweeper struct {
	db    *gorm.DB
	queue queue.Dispatcher
	now   func() time.Time
}

// New returns a Sweeper.
func New(db *gorm.DB, dispatcher queue.Dispatcher) *Sweeper {
	return &Sweeper{db: db, queue: dispatcher, now: time.Now}
}

// Validate reports whether expr is a valid 5-field cron expression.
func Validate(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("sweep: schedule %q: %w", expr, err)
	}
	return nil
}

// NextRun returns the duration until the next run of expr, or 0 when the
// expression is invalid.
func NextRun(expr string, from time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(from).Sub(from)
	if d < 0 {
		return 0
	}
	return d
}

// Sweep queues a conclusion job for every recent open build with diffs
// materialized and none still waiting. It returns the queued build ids.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	waiting := s.db.Model(&models.ScreenshotDiff{}).Select("1").
		Where("screenshot_diffs.build_id = builds.id AND screenshot_diffs.job_status IN ?", []string{models.JobPending, models.JobProgress})

	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.Build{}).
		Where("conclusion IS NULL AND type IS NOT NULL AND created_at >= ?", s.now().Add(-maxAge)).
		Where("NOT EXISTS (?)", waiting).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("sweep: find open builds: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := s.queue.Push(ctx, queue.TypeConcludeBuild, ids...); err != nil {
		return nil, fmt.Errorf("sweep: push conclusions: %w", err)
	}
	log.Printf("sweep: queued conclusion of %d open builds", len(ids))
	return ids, nil
}

// Run sweeps on schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			log.Printf("sweep: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("sweep: schedule %q: %w", schedule, err)
	}
	c.Start()
	log.Printf("sweep: scheduled %q, next in %s", schedule, NextRun(schedule, time.Now()).Round(time.Second))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
