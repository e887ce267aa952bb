// Package pipeline is the entrypoint of build processing: it materializes
// diffs, hands pending ones to the diff workers and concludes builds that
// need no further work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/argos-ci/argos-sub005/internal/apperr"
	"github.com/argos-ci/argos-sub005/internal/billing"
	"github.com/argos-ci/argos-sub005/internal/conclude"
	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/argos-ci/argos-sub005/internal/queue"
	"gorm.io/gorm"
)

// DiffBuilder materializes the diffs of a build.
type DiffBuilder interface {
	CreateBuildDiffs(ctx context.Context, build *models.Build) ([]models.ScreenshotDiff, error)
}

// Concluder concludes builds.
type Concluder interface {
	ConcludeBuild(ctx context.Context, buildID string, opts conclude.Options) (*models.Build, error)
}

// Pipeline processes builds.
type Pipeline struct {
	db        *gorm.DB
	diffs     DiffBuilder
	concluder Concluder
	queue     queue.Dispatcher
	billing   billing.ManagerFunc
}

// New returns a Pipeline. billing may be nil.
func New(db *gorm.DB, diffs DiffBuilder, concluder Concluder, dispatcher queue.Dispatcher, managers billing.ManagerFunc) *Pipeline {
	return &Pipeline{db: db, diffs: diffs, concluder: concluder, queue: dispatcher, billing: managers}
}

// ProcessBuild runs the build through diff materialization. Safe to call
// again for the same build.
func (p *Pipeline) ProcessBuild(ctx context.Context, buildID string) error {
	db := p.db.WithContext(ctx)

	var build models.Build
	if err := db.Preload("Project").Where("id = ?", buildID).First(&build).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Unretryablef("pipeline: build %s not found", buildID)
		}
		return fmt.Errorf("pipeline: load build %s: %w", buildID, err)
	}
	if build.Project == nil {
		return apperr.Unretryablef("pipeline: project of build %s not found", buildID)
	}

	if err := p.start(ctx, &build); err != nil {
		return err
	}

	diffs, err := p.diffs.CreateBuildDiffs(ctx, &build)
	if err != nil {
		if serr := p.setStatus(ctx, buildID, models.JobError); serr != nil {
			log.Printf("pipeline: build %s: %v", buildID, serr)
		}
		return fmt.Errorf("pipeline: diffs of build %s: %w", buildID, err)
	}

	var pending []string
	for _, d := range diffs {
		if d.JobStatus == models.JobPending {
			pending = append(pending, d.ID)
		}
	}
	if len(pending) > 0 {
		if err := p.queue.Push(ctx, queue.TypeScreenshotDiff, pending...); err != nil {
			return fmt.Errorf("pipeline: push diffs of build %s: %w", buildID, err)
		}
	} else if _, err := p.concluder.ConcludeBuild(ctx, buildID, conclude.Options{Notify: true, AutoApprove: true}); err != nil {
		return fmt.Errorf("pipeline: conclude build %s: %w", buildID, err)
	}

	if err := p.setStatus(ctx, buildID, models.JobComplete); err != nil {
		return err
	}
	log.Printf("pipeline: build %s processed: %d diffs, %d pending", buildID, len(diffs), len(pending))

	p.updateUsage(ctx, build.Project.AccountID)
	return nil
}

// start moves a pending build to progress and announces it.
func (p *Pipeline) start(ctx context.Context, build *models.Build) error {
	if build.JobStatus != models.JobPending {
		return nil
	}
	n := &models.BuildNotification{BuildID: build.ID, Type: models.NotificationProgress, JobStatus: models.JobPending}
	started := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Build{}).Where("id = ? AND job_status = ?", build.ID, models.JobPending).
			Update("job_status", models.JobProgress)
		if result.Error != nil {
			return fmt.Errorf("pipeline: start build %s: %w", build.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		started = true
		if err := tx.Create(n).Error; err != nil {
			return fmt.Errorf("pipeline: create notification of build %s: %w", build.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	build.JobStatus = models.JobProgress
	if started {
		if err := p.queue.Push(ctx, queue.TypeNotification, n.ID); err != nil {
			log.Printf("pipeline: build %s: push notification: %v", build.ID, err)
		}
	}
	return nil
}

func (p *Pipeline) setStatus(ctx context.Context, buildID, status string) error {
	if err := p.db.WithContext(ctx).Model(&models.Build{}).Where("id = ?", buildID).
		Update("job_status", status).Error; err != nil {
		return fmt.Errorf("pipeline: set status of build %s: %w", buildID, err)
	}
	return nil
}

func (p *Pipeline) updateUsage(ctx context.Context, accountID string) {
	if p.billing == nil {
		return
	}
	m, err := p.billing(ctx, accountID)
	if err == nil {
		err = m.UpdateUsage(ctx)
	}
	if err != nil {
		log.Printf("pipeline: update usage of account %s: %v", accountID, err)
	}
}
