package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Build types. The type is set exactly once, when diffs are materialized.
const (
	BuildTypeReference = "reference"
	BuildTypeCheck     = "check"
	BuildTypeOrphan    = "orphan"
	BuildTypeSkipped   = "skipped"
)

// Build conclusions. A build never leaves a non-nil conclusion.
const (
	ConclusionNoChanges       = "no-changes"
	ConclusionChangesDetected = "changes-detected"
)

// Base branch provenance.
const (
	ResolvedFromUser    = "user"
	ResolvedFromProject = "project"
)

// Job statuses shared by builds, diffs, notifications and pull requests.
const (
	JobPending  = "pending"
	JobProgress = "progress"
	JobComplete = "complete"
	JobError    = "error"
	JobAborted  = "aborted"
)

// BuildStats summarizes the diff set of a concluded build.
type BuildStats struct {
	Total     int `json:"total"`
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	Failure   int `json:"failure"`
	Ignored   int `json:"ignored"`
}

// TestReport is the test-run summary reported by a shard or aggregated on a build.
type TestReport struct {
	Status string          `json:"status"` // passed, failed, timedout, interrupted
	Stats  TestReportStats `json:"stats"`
}

// TestReportStats carries test timing.
type TestReportStats struct {
	StartTime *time.Time `json:"startTime,omitempty"`
	Duration  *int64     `json:"duration,omitempty"` // milliseconds
}

// BuildMetadata is the aggregated shard metadata written at finalization.
type BuildMetadata struct {
	TestReport *TestReport `json:"testReport,omitempty"`
}

// Build is one comparison between a compare bucket and a resolved base bucket.
type Build struct {
	ID                        string  `gorm:"primaryKey;size:36"`
	ProjectID                 string  `gorm:"size:36;index;not null"`
	Number                    int     `gorm:"index"`
	Name                      string  `gorm:"size:256;default:default"`
	CompareScreenshotBucketID string  `gorm:"size:36;not null"`
	BaseScreenshotBucketID    *string `gorm:"size:36"`
	Type                      *string `gorm:"size:16"`
	Conclusion                *string `gorm:"size:32"`
	JobStatus                 string  `gorm:"size:16;default:pending"`
	ExternalID                string  `gorm:"size:64"`
	Partial                   bool    `gorm:"default:false"`
	RunID                     *string `gorm:"size:64;index:idx_build_run"`
	RunAttempt                *int    `gorm:"index:idx_build_run"`
	TotalBatch                *int
	BatchCount                int    `gorm:"default:0"`
	CIProvider                string `gorm:"size:32"`
	PrNumber                  *int
	PrHeadCommit              *string `gorm:"size:40"`
	PullRequestID             *string `gorm:"size:36"`
	ParentCommits             datatypes.JSONType[[]string]
	ReferenceBranch           *string `gorm:"size:256"`
	ReferenceCommit           *string `gorm:"size:40"`
	BaseBranch                *string `gorm:"size:256"`
	BaseBranchResolvedFrom    *string `gorm:"size:16"`
	Stats                     datatypes.JSONType[BuildStats]
	Metadata                  datatypes.JSONType[BuildMetadata]
	FinalizedAt               *time.Time
	CreatedAt                 time.Time
	UpdatedAt                 time.Time

	CompareScreenshotBucket *ScreenshotBucket `gorm:"foreignKey:CompareScreenshotBucketID"`
	BaseScreenshotBucket    *ScreenshotBucket `gorm:"foreignKey:BaseScreenshotBucketID"`
	Project                 *Project          `gorm:"foreignKey:ProjectID"`

	// Shard is the shard recorded by the upload that returned this build.
	Shard *BuildShard `gorm:"-"`
}

func (b *Build) BeforeCreate(*gorm.DB) error { ensureID(&b.ID); return nil }

// IsConcluded reports whether the build reached its terminal conclusion.
func (b *Build) IsConcluded() bool { return b.Conclusion != nil }

// BuildShard is one parallel slice of a build upload.
type BuildShard struct {
	ID        string `gorm:"primaryKey;size:36"`
	BuildID   string `gorm:"size:36;index;not null"`
	Index     *int   `gorm:"column:shard_index"`
	Metadata  datatypes.JSONType[BuildMetadata]
	CreatedAt time.Time
}

func (s *BuildShard) BeforeCreate(*gorm.DB) error { ensureID(&s.ID); return nil }
