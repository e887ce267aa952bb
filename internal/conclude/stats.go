package conclude

import (
	"regexp"

	"github.com/argos-ci/argos-sub005/internal/approval"
	"github.com/argos-ci/argos-sub005/internal/models"
)

// Summarize counts diffs by status and derives the conclusion. The
// conclusion is empty while any diff is still waiting for the diff worker.
// Ignored changes do not count as changes.
func Summarize(diffs []models.ScreenshotDiff, ignored map[[2]string]bool, failure *regexp.Regexp) (models.BuildStats, string) {
	var stats models.BuildStats
	resolved := true
	for i := range diffs {
		d := &diffs[i]
		stats.Total++
		switch d.JobStatus {
		case models.JobPending, models.JobProgress:
			resolved = false
		}
		switch {
		case d.CompareScreenshot != nil && failure != nil && failure.MatchString(d.CompareScreenshot.Name):
			stats.Failure++
		case d.CompareScreenshotID == nil:
			stats.Removed++
		case d.BaseScreenshotID == nil:
			stats.Added++
		case d.Score != nil && *d.Score > 0:
			if approval.IsIgnored(ignored, d) {
				stats.Ignored++
			} else {
				stats.Changed++
			}
		default:
			stats.Unchanged++
		}
	}
	if !resolved {
		return stats, ""
	}
	if stats.Added+stats.Removed+stats.Changed+stats.Failure > 0 {
		return stats, models.ConclusionChangesDetected
	}
	return stats, models.ConclusionNoChanges
}
