// Package diffset materializes the screenshot diffs of a build and
// classifies the build. It runs at most once per build: the build type is
// the completion marker.
package diffset

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/argos-ci/argos-sub005/internal/apperr"
	"github.com/argos-ci/argos-sub005/internal/models"
	"gorm.io/gorm"
)

// BaseResolver resolves the base bucket of a build.
type BaseResolver interface {
	GetBaseScreenshotBucket(ctx context.Context, build *models.Build) (*models.ScreenshotBucket, error)
}

// Builder creates diff sets.
type Builder struct {
	db      *gorm.DB
	base    BaseResolver
	failure *regexp.Regexp
}

// New returns a Builder. Screenshots whose name matches failure are never
// compared against history nor reported as removed.
func New(db *gorm.DB, base BaseResolver, failure *regexp.Regexp) *Builder {
	return &Builder{db: db, base: base, failure: failure}
}

var errAlreadyTyped = errors.New("diffset: build already typed")

// CreateBuildDiffs materializes and returns the diffs of build. When the
// build already has a type the stored diffs are returned unchanged.
func (b *Builder) CreateBuildDiffs(ctx context.Context, build *models.Build) ([]models.ScreenshotDiff, error) {
	if build.Type != nil {
		return b.storedDiffs(build.ID)
	}

	var compare models.ScreenshotBucket
	if err := b.db.Where("id = ?", build.CompareScreenshotBucketID).First(&compare).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Unretryablef("diffset: compare bucket %s of build %s not found", build.CompareScreenshotBucketID, build.ID)
		}
		return nil, fmt.Errorf("diffset: load compare bucket: %w", err)
	}

	base, err := b.base.GetBaseScreenshotBucket(ctx, build)
	if err != nil {
		return nil, fmt.Errorf("diffset: resolve base of build %s: %w", build.ID, err)
	}
	sameBucket := base != nil && base.ID == compare.ID

	compareShots, err := b.screenshots(compare.ID)
	if err != nil {
		return nil, err
	}
	var baseShots []models.Screenshot
	if base != nil && !sameBucket {
		if baseShots, err = b.screenshots(base.ID); err != nil {
			return nil, err
		}
	}

	diffs := b.pair(build.ID, compareShots, baseShots, sameBucket)
	buildType := classify(build, &compare, base)

	err = b.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Build{}).
			Where("id = ? AND type IS NULL", build.ID).
			Update("type", buildType)
		if result.Error != nil {
			return fmt.Errorf("diffset: set type of build %s: %w", build.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			return errAlreadyTyped
		}
		if len(diffs) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&diffs, 200).Error; err != nil {
			return fmt.Errorf("diffset: insert diffs of build %s: %w", build.ID, err)
		}
		return nil
	})
	if errors.Is(err, errAlreadyTyped) {
		return b.storedDiffs(build.ID)
	}
	if err != nil {
		return nil, err
	}

	build.Type = &buildType
	return diffs, nil
}

// pair matches compare screenshots with their base counterparts and adds
// removal diffs for unmatched base screenshots.
func (b *Builder) pair(buildID string, compareShots, baseShots []models.Screenshot, sameBucket bool) []models.ScreenshotDiff {
	byName := make(map[string]*models.Screenshot, len(baseShots))
	for i := range baseShots {
		byName[baseShots[i].Name] = &baseShots[i]
	}
	matched := make(map[string]bool)

	var diffs []models.ScreenshotDiff
	for i := range compareShots {
		cs := &compareShots[i]
		var bs *models.Screenshot
		if !sameBucket && !b.isFailure(cs.Name) {
			name := cs.Name
			if cs.BaseName != nil && *cs.BaseName != "" {
				name = *cs.BaseName
			}
			bs = byName[name]
		}

		diff := models.ScreenshotDiff{
			BuildID:             buildID,
			CompareScreenshotID: &cs.ID,
			TestID:              cs.TestID,
			JobStatus:           models.JobPending,
			ValidationStatus:    models.ValidationUnknown,
		}
		if bs != nil {
			matched[bs.ID] = true
			diff.BaseScreenshotID = &bs.ID
		}
		diff.JobStatus, diff.Score = jobStatus(cs, bs)
		diffs = append(diffs, diff)
	}

	for i := range baseShots {
		bs := &baseShots[i]
		if matched[bs.ID] || b.isFailure(bs.Name) {
			continue
		}
		diffs = append(diffs, models.ScreenshotDiff{
			BuildID:          buildID,
			BaseScreenshotID: &bs.ID,
			TestID:           bs.TestID,
			JobStatus:        models.JobComplete,
			ValidationStatus: models.ValidationUnknown,
		})
	}
	return diffs
}

// jobStatus decides whether a diff needs the diff worker. Additions with
// known dimensions and byte-identical pairs are complete immediately.
func jobStatus(compare, base *models.Screenshot) (string, *float64) {
	if base == nil {
		if compare.File.HasDimensions() {
			return models.JobComplete, nil
		}
		return models.JobPending, nil
	}
	if compare.FileID != nil && base.FileID != nil && *compare.FileID == *base.FileID {
		zero := 0.0
		return models.JobComplete, &zero
	}
	return models.JobPending, nil
}

// classify derives the build type from the resolved base.
func classify(build *models.Build, compare *models.ScreenshotBucket, base *models.ScreenshotBucket) string {
	if build.BaseBranch != nil && *build.BaseBranch == compare.Branch {
		return models.BuildTypeReference
	}
	if base == nil {
		return models.BuildTypeOrphan
	}
	return models.BuildTypeCheck
}

func (b *Builder) isFailure(name string) bool {
	return b.failure != nil && b.failure.MatchString(name)
}

func (b *Builder) screenshots(bucketID string) ([]models.Screenshot, error) {
	var shots []models.Screenshot
	if err := b.db.Preload("File").Where("screenshot_bucket_id = ?", bucketID).
		Order("name ASC").Find(&shots).Error; err != nil {
		return nil, fmt.Errorf("diffset: load screenshots of bucket %s: %w", bucketID, err)
	}
	return shots, nil
}

func (b *Builder) storedDiffs(buildID string) ([]models.ScreenshotDiff, error) {
	var diffs []models.ScreenshotDiff
	if err := b.db.Where("build_id = ?", buildID).Find(&diffs).Error; err != nil {
		return nil, fmt.Errorf("diffset: load diffs of build %s: %w", buildID, err)
	}
	sort.SliceStable(diffs, func(i, j int) bool { return diffs[i].CreatedAt.Before(diffs[j].CreatedAt) })
	return diffs, nil
}
