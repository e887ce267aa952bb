// Package review records the automatic review of builds whose diffs were all
// decided.
package review

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/argos-ci/argos-sub005/internal/apperr"
	"github.com/argos-ci/argos-sub005/internal/automation"
	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/argos-ci/argos-sub005/internal/queue"
	"gorm.io/gorm"
)

// DefaultDelay dates automatic reviews after the build creation.
const DefaultDelay = 10 * time.Minute

var errReviewed = errors.New("review: already reviewed")

// Trigger fires automation rules.
type Trigger interface {
	TriggerAndRun(ctx context.Context, ev automation.Event) ([]string, error)
}

// Reviewer creates BuildReview rows.
type Reviewer struct {
	db      *gorm.DB
	queue   queue.Dispatcher
	trigger Trigger
	delay   time.Duration
}

// New returns a Reviewer. trigger may be nil. A zero delay uses
// DefaultDelay.
func New(db *gorm.DB, dispatcher queue.Dispatcher, trigger Trigger, delay time.Duration) *Reviewer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Reviewer{db: db, queue: dispatcher, trigger: trigger, delay: delay}
}

// ReviewBuild records the review of the build when its diffs settle it and
// returns it. It returns nil when the build is already reviewed or the
// diffs do not settle it yet.
func (r *Reviewer) ReviewBuild(ctx context.Context, buildID string) (*models.BuildReview, error) {
	db := r.db.WithContext(ctx)

	var build models.Build
	if err := db.Where("id = ?", buildID).First(&build).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Unretryablef("review: build %s not found", buildID)
		}
		return nil, fmt.Errorf("review: load build %s: %w", buildID, err)
	}

	var review *models.BuildReview
	var notification *models.BuildNotification
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.BuildReview{}).Where("build_id = ?", buildID).Count(&existing).Error; err != nil {
			return fmt.Errorf("review: count reviews of build %s: %w", buildID, err)
		}
		if existing > 0 {
			return errReviewed
		}

		var diffs []models.ScreenshotDiff
		if err := tx.Select("id", "compare_screenshot_id", "base_screenshot_id", "score", "validation_status").
			Where("build_id = ?", buildID).Find(&diffs).Error; err != nil {
			return fmt.Errorf("review: load diffs of build %s: %w", buildID, err)
		}
		state := State(diffs)
		if state == "" {
			return nil
		}

		review = &models.BuildReview{BuildID: buildID, State: state, CreatedAt: build.CreatedAt.Add(r.delay)}
		if err := tx.Create(review).Error; err != nil {
			return fmt.Errorf("review: create review of build %s: %w", buildID, err)
		}
		notification = &models.BuildNotification{BuildID: buildID, Type: notificationType(state), JobStatus: models.JobPending}
		if err := tx.Create(notification).Error; err != nil {
			return fmt.Errorf("review: create notification of build %s: %w", buildID, err)
		}
		return nil
	})
	if errors.Is(err, errReviewed) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if review == nil {
		return nil, nil
	}

	log.Printf("review: build %s %s", buildID, review.State)
	if err := r.queue.Push(ctx, queue.TypeNotification, notification.ID); err != nil {
		log.Printf("review: build %s: push notification: %v", buildID, err)
	}
	if r.trigger != nil {
		if _, err := r.trigger.TriggerAndRun(ctx, automation.Event{
			ProjectID: build.ProjectID,
			Event:     automation.EventBuildReviewed,
			BuildID:   buildID,
		}); err != nil {
			log.Printf("review: build %s: trigger automations: %v", buildID, err)
		}
	}
	return review, nil
}

// State derives the review of a diff set: rejected when any diff was
// rejected, approved when every change was accepted, empty otherwise or
// when there is nothing to review.
func State(diffs []models.ScreenshotDiff) string {
	toReview, accepted := 0, 0
	for i := range diffs {
		d := &diffs[i]
		if d.ValidationStatus == models.ValidationRejected {
			return models.ReviewRejected
		}
		if !isChange(d) {
			continue
		}
		toReview++
		if d.ValidationStatus == models.ValidationAccepted {
			accepted++
		}
	}
	if toReview == 0 || accepted < toReview {
		return ""
	}
	return models.ReviewApproved
}

func isChange(d *models.ScreenshotDiff) bool {
	return d.CompareScreenshotID == nil || d.BaseScreenshotID == nil || (d.Score != nil && *d.Score > 0)
}

func notificationType(state string) string {
	if state == models.ReviewRejected {
		return models.NotificationDiffRejected
	}
	return models.NotificationDiffAccepted
}
