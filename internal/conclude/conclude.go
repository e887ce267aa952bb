// Package conclude moves builds from open to concluded once every diff is
// resolved.
package conclude

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/argos-ci/argos-sub005/internal/apperr"
	"github.com/argos-ci/argos-sub005/internal/approval"
	"github.com/argos-ci/argos-sub005/internal/automation"
	"github.com/argos-ci/argos-sub005/internal/lock"
	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/argos-ci/argos-sub005/internal/queue"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var errConcluded = errors.New("conclude: already concluded")

// Trigger fires automation rules.
type Trigger interface {
	TriggerAndRun(ctx context.Context, ev automation.Event) ([]string, error)
}

// Options tune one conclusion.
type Options struct {
	// Notify pushes the notification and fires automations. Reconciliation
	// paths leave it unset to avoid notifying twice.
	Notify bool
	// AutoApprove accepts diffs approved on an earlier build of the same
	// branch and queues a review job.
	AutoApprove bool
}

// Concluder derives and records build conclusions.
type Concluder struct {
	db          *gorm.DB
	locker      lock.Locker
	queue       queue.Dispatcher
	trigger     Trigger
	failure     *regexp.Regexp
	lockTimeout time.Duration
}

// New returns a Concluder. trigger may be nil.
func New(db *gorm.DB, locker lock.Locker, dispatcher queue.Dispatcher, trigger Trigger, failure *regexp.Regexp, lockTimeout time.Duration) *Concluder {
	return &Concluder{db: db, locker: locker, queue: dispatcher, trigger: trigger, failure: failure, lockTimeout: lockTimeout}
}

// ConcludeBuild concludes the build if all its diffs are resolved and
// returns it. Concluding an already concluded build, or one with diffs
// still pending, changes nothing.
func (c *Concluder) ConcludeBuild(ctx context.Context, buildID string, opts Options) (*models.Build, error) {
	var (
		build          *models.Build
		notificationID string
		concluded      bool
	)
	err := c.locker.WithLock(ctx, []string{"conclude-build", buildID}, c.lockTimeout, func(ctx context.Context) error {
		var err error
		build, notificationID, concluded, err = c.conclude(ctx, buildID, opts.Notify)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !concluded {
		return build, nil
	}
	log.Printf("conclude: build %s concluded %s", build.ID, *build.Conclusion)

	if opts.Notify {
		c.afterConclusion(ctx, build, notificationID)
	}
	if opts.AutoApprove && *build.Conclusion == models.ConclusionChangesDetected {
		if err := c.autoApprove(ctx, build); err != nil {
			return build, err
		}
	}
	return build, nil
}

// conclude records the conclusion, with its notification when notify is
// set. The returned bool is false when nothing changed.
func (c *Concluder) conclude(ctx context.Context, buildID string, notify bool) (*models.Build, string, bool, error) {
	db := c.db.WithContext(ctx)

	var stored models.Build
	if err := db.Where("id = ?", buildID).First(&stored).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", false, apperr.Unretryablef("conclude: build %s not found", buildID)
		}
		return nil, "", false, fmt.Errorf("conclude: load build %s: %w", buildID, err)
	}
	if stored.IsConcluded() || stored.Type == nil {
		return &stored, "", false, nil
	}

	var diffs []models.ScreenshotDiff
	if err := db.Preload("CompareScreenshot").Where("build_id = ?", buildID).Find(&diffs).Error; err != nil {
		return nil, "", false, fmt.Errorf("conclude: load diffs of build %s: %w", buildID, err)
	}
	ignored, err := c.ignoredFiles(db, stored.ProjectID)
	if err != nil {
		return nil, "", false, err
	}
	stats, conclusion := Summarize(diffs, ignored, c.failure)
	if conclusion == "" {
		return &stored, "", false, nil
	}

	n := &models.BuildNotification{BuildID: buildID, Type: notificationType(conclusion), JobStatus: models.JobPending}
	err = db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Build{}).Where("id = ? AND conclusion IS NULL", buildID).
			Updates(map[string]interface{}{
				"conclusion": conclusion,
				"stats":      datatypes.NewJSONType(stats),
			})
		if result.Error != nil {
			return fmt.Errorf("conclude: update build %s: %w", buildID, result.Error)
		}
		if result.RowsAffected == 0 {
			return errConcluded
		}
		if !notify {
			return nil
		}
		if err := tx.Create(n).Error; err != nil {
			return fmt.Errorf("conclude: create notification of build %s: %w", buildID, err)
		}
		return nil
	})
	if errors.Is(err, errConcluded) {
		return &stored, "", false, nil
	}
	if err != nil {
		return nil, "", false, err
	}
	stored.Conclusion = &conclusion
	stored.Stats = datatypes.NewJSONType(stats)
	return &stored, n.ID, true, nil
}

// afterConclusion delivers the notification and fires automations. Both are
// best effort: the conclusion is already committed.
func (c *Concluder) afterConclusion(ctx context.Context, build *models.Build, notificationID string) {
	if err := c.queue.Push(ctx, queue.TypeNotification, notificationID); err != nil {
		log.Printf("conclude: build %s: push notification: %v", build.ID, err)
	}

	if c.trigger == nil {
		return
	}
	if _, err := c.trigger.TriggerAndRun(ctx, automation.Event{
		ProjectID: build.ProjectID,
		Event:     automation.EventBuildCompleted,
		BuildID:   build.ID,
	}); err != nil {
		log.Printf("conclude: build %s: trigger automations: %v", build.ID, err)
	}
}

func (c *Concluder) autoApprove(ctx context.Context, build *models.Build) error {
	var compare models.ScreenshotBucket
	if err := c.db.WithContext(ctx).Where("id = ?", build.CompareScreenshotBucketID).First(&compare).Error; err != nil {
		return fmt.Errorf("conclude: load compare bucket of build %s: %w", build.ID, err)
	}
	ids, err := approval.GetPreviousDiffApprovalIDs(ctx, c.db, approval.Params{Build: build, CompareBucket: &compare})
	if err != nil {
		return fmt.Errorf("conclude: previous approvals of build %s: %w", build.ID, err)
	}
	n, err := approval.AutoApprove(ctx, c.db, build.ID, ids)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	log.Printf("conclude: build %s: %d diffs approved from history", build.ID, n)
	if err := c.queue.Push(ctx, queue.TypeBuildReview, build.ID); err != nil {
		return fmt.Errorf("conclude: push review of build %s: %w", build.ID, err)
	}
	return nil
}

func (c *Concluder) ignoredFiles(db *gorm.DB, projectID string) (map[[2]string]bool, error) {
	var rows []models.IgnoredFile
	if err := db.Where("project_id = ?", projectID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("conclude: load ignored files: %w", err)
	}
	ignored := make(map[[2]string]bool, len(rows))
	for _, r := range rows {
		ignored[[2]string{r.TestID, r.FileID}] = true
	}
	return ignored, nil
}

func notificationType(conclusion string) string {
	if conclusion == models.ConclusionNoChanges {
		return models.NotificationNoDiffDetected
	}
	return models.NotificationDiffDetected
}
