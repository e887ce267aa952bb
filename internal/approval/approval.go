// Package approval carries human approvals over to later builds of the same
// branch, so recurring accepted changes are not reviewed again.
package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/argos-ci/argos-sub005/internal/models"
	"gorm.io/gorm"
)

// Params selects the build to match and, optionally, the approving user.
type Params struct {
	Build         *models.Build
	CompareBucket *models.ScreenshotBucket
	UserID        *string
}

// GetPreviousDiffApprovalIDs returns the ids of the build's diffs whose
// compare or base file was part of an approved diff in the most recent
// approved build on the same branch (and pull request, if any).
func GetPreviousDiffApprovalIDs(ctx context.Context, db *gorm.DB, p Params) ([]string, error) {
	db = db.WithContext(ctx)

	prev, review, err := previousApproval(db, p)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, nil
	}

	approved, err := approvedDiffs(db, prev.ID, review.ID)
	if err != nil {
		return nil, err
	}
	approved, err = withoutIgnored(db, p.Build.ProjectID, approved)
	if err != nil {
		return nil, err
	}

	files := make(map[string]bool)
	for _, d := range approved {
		if d.CompareScreenshot != nil && d.CompareScreenshot.FileID != nil {
			files[*d.CompareScreenshot.FileID] = true
		}
		if d.BaseScreenshot != nil && d.BaseScreenshot.FileID != nil {
			files[*d.BaseScreenshot.FileID] = true
		}
	}
	if len(files) == 0 {
		return nil, nil
	}

	var current []models.ScreenshotDiff
	if err := db.Preload("CompareScreenshot").Preload("BaseScreenshot").
		Where("build_id = ?", p.Build.ID).Find(&current).Error; err != nil {
		return nil, fmt.Errorf("approval: load diffs of build %s: %w", p.Build.ID, err)
	}
	var ids []string
	for _, d := range current {
		if sharesFile(d.CompareScreenshot, files) || sharesFile(d.BaseScreenshot, files) {
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

func sharesFile(s *models.Screenshot, files map[string]bool) bool {
	return s != nil && s.FileID != nil && files[*s.FileID]
}

// previousApproval finds the most recent concluded build with changes on the
// same branch that carries an approval.
func previousApproval(db *gorm.DB, p Params) (*models.Build, *models.BuildReview, error) {
	approvals := db.Model(&models.BuildReview{}).Select("1").
		Where("build_reviews.build_id = builds.id AND build_reviews.state = ?", models.ReviewApproved)
	if p.UserID != nil {
		approvals = approvals.Where("build_reviews.user_id = ?", *p.UserID)
	}

	q := db.Model(&models.Build{}).
		Joins("JOIN screenshot_buckets ON screenshot_buckets.id = builds.compare_screenshot_bucket_id").
		Where("builds.project_id = ? AND builds.id <> ? AND builds.name = ?", p.Build.ProjectID, p.Build.ID, p.Build.Name).
		Where("screenshot_buckets.branch = ?", p.CompareBucket.Branch).
		Where("builds.conclusion = ?", models.ConclusionChangesDetected).
		Where("EXISTS (?)", approvals)
	if p.Build.PrNumber != nil {
		q = q.Where("builds.pr_number = ?", *p.Build.PrNumber)
	}

	var prev models.Build
	if err := q.Order("builds.created_at DESC").Order("builds.number DESC").First(&prev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("approval: find previous approved build: %w", err)
	}

	rq := db.Where("build_id = ? AND state = ?", prev.ID, models.ReviewApproved)
	if p.UserID != nil {
		rq = rq.Where("user_id = ?", *p.UserID)
	}
	var review models.BuildReview
	if err := rq.Order("created_at DESC").First(&review).Error; err != nil {
		return nil, nil, fmt.Errorf("approval: load review of build %s: %w", prev.ID, err)
	}
	return &prev, &review, nil
}

// approvedDiffs returns the diffs approved by review. A review without
// per-diff decisions approves the whole build.
func approvedDiffs(db *gorm.DB, buildID, reviewID string) ([]models.ScreenshotDiff, error) {
	var decisions int64
	if err := db.Model(&models.ScreenshotDiffReview{}).Where("build_review_id = ?", reviewID).
		Count(&decisions).Error; err != nil {
		return nil, fmt.Errorf("approval: count diff reviews: %w", err)
	}

	q := db.Preload("CompareScreenshot").Preload("BaseScreenshot").Where("build_id = ?", buildID)
	if decisions > 0 {
		q = q.Where("id IN (?)", db.Model(&models.ScreenshotDiffReview{}).Select("screenshot_diff_id").
			Where("build_review_id = ? AND state = ?", reviewID, models.ReviewApproved))
	}
	var diffs []models.ScreenshotDiff
	if err := q.Find(&diffs).Error; err != nil {
		return nil, fmt.Errorf("approval: load approved diffs of build %s: %w", buildID, err)
	}
	return diffs, nil
}

// withoutIgnored drops diffs whose (test, file) pair is ignored.
func withoutIgnored(db *gorm.DB, projectID string, diffs []models.ScreenshotDiff) ([]models.ScreenshotDiff, error) {
	var ignored []models.IgnoredFile
	if err := db.Where("project_id = ?", projectID).Find(&ignored).Error; err != nil {
		return nil, fmt.Errorf("approval: load ignored files: %w", err)
	}
	if len(ignored) == 0 {
		return diffs, nil
	}
	skip := make(map[[2]string]bool, len(ignored))
	for _, f := range ignored {
		skip[[2]string{f.TestID, f.FileID}] = true
	}
	kept := diffs[:0]
	for _, d := range diffs {
		if IsIgnored(skip, &d) {
			continue
		}
		kept = append(kept, d)
	}
	return kept, nil
}

// IsIgnored reports whether the diff image of d is ignored for its test.
func IsIgnored(ignored map[[2]string]bool, d *models.ScreenshotDiff) bool {
	return d.TestID != nil && d.FileID != nil && ignored[[2]string{*d.TestID, *d.FileID}]
}

// AutoApprove accepts the given diffs of a build unless a reviewer already
// decided on them. It returns the number of diffs accepted.
func AutoApprove(ctx context.Context, db *gorm.DB, buildID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Model(&models.ScreenshotDiff{}).
		Where("build_id = ? AND id IN ? AND validation_status = ?", buildID, ids, models.ValidationUnknown).
		Update("validation_status", models.ValidationAccepted)
	if result.Error != nil {
		return 0, fmt.Errorf("approval: accept diffs of build %s: %w", buildID, result.Error)
	}
	return result.RowsAffected, nil
}
