// Package finalize closes the compare bucket of a build once every
// screenshot has arrived.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/argos-ci/argos-sub005/internal/apperr"
	"github.com/argos-ci/argos-sub005/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Finalizer counts screenshots, aggregates shard metadata and marks the
// compare bucket complete.
type Finalizer struct {
	db *gorm.DB
}

// New returns a Finalizer.
func New(db *gorm.DB) *Finalizer {
	return &Finalizer{db: db}
}

// FinalizeBuild finalizes build. With single set the build was uploaded in
// one piece and its own metadata is kept; otherwise shard metadata is
// aggregated. Finalizing twice is a no-op.
func (f *Finalizer) FinalizeBuild(ctx context.Context, build *models.Build, single bool) error {
	if build.FinalizedAt != nil {
		return nil
	}
	return f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Build
		if err := tx.Where("id = ?", build.ID).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.Unretryablef("finalize: build %s not found", build.ID)
			}
			return fmt.Errorf("finalize: load build %s: %w", build.ID, err)
		}
		if current.FinalizedAt != nil {
			build.FinalizedAt = current.FinalizedAt
			return nil
		}

		var shots []models.Screenshot
		if err := tx.Select("id", "metadata").
			Where("screenshot_bucket_id = ?", current.CompareScreenshotBucketID).
			Find(&shots).Error; err != nil {
			return fmt.Errorf("finalize: load screenshots of build %s: %w", build.ID, err)
		}
		count, storybook := len(shots), 0
		for i := range shots {
			if shots[i].IsStorybook() {
				storybook++
			}
		}

		metadata := current.Metadata.Data()
		if !single {
			var shards []models.BuildShard
			if err := tx.Where("build_id = ?", build.ID).Find(&shards).Error; err != nil {
				return fmt.Errorf("finalize: load shards of build %s: %w", build.ID, err)
			}
			metadata = AggregateShards(shards)
		}
		valid := metadata.TestReport == nil || metadata.TestReport.Status == "passed"

		if err := tx.Model(&models.ScreenshotBucket{}).
			Where("id = ?", current.CompareScreenshotBucketID).
			Updates(map[string]interface{}{
				"screenshot_count":           count,
				"storybook_screenshot_count": storybook,
				"complete":                   true,
				"valid":                      valid,
			}).Error; err != nil {
			return fmt.Errorf("finalize: complete bucket of build %s: %w", build.ID, err)
		}

		now := time.Now()
		if err := tx.Model(&models.Build{}).Where("id = ?", build.ID).
			Updates(map[string]interface{}{
				"finalized_at": now,
				"metadata":     datatypes.NewJSONType(metadata),
			}).Error; err != nil {
			return fmt.Errorf("finalize: mark build %s finalized: %w", build.ID, err)
		}
		build.FinalizedAt = &now
		build.Metadata = datatypes.NewJSONType(metadata)
		return nil
	})
}

// AggregateShards merges shard test reports: failed unless every reported
// status passed, earliest start time, summed duration.
func AggregateShards(shards []models.BuildShard) models.BuildMetadata {
	var report *models.TestReport
	for i := range shards {
		r := shards[i].Metadata.Data().TestReport
		if r == nil {
			continue
		}
		if report == nil {
			report = &models.TestReport{Status: "passed"}
		}
		if r.Status != "passed" {
			report.Status = "failed"
		}
		if st := r.Stats.StartTime; st != nil {
			if report.Stats.StartTime == nil || st.Before(*report.Stats.StartTime) {
				t := *st
				report.Stats.StartTime = &t
			}
		}
		if d := r.Stats.Duration; d != nil {
			sum := *d
			if report.Stats.Duration != nil {
				sum += *report.Stats.Duration
			}
			report.Stats.Duration = &sum
		}
	}
	return models.BuildMetadata{TestReport: report}
}
