package models

import (
	"time"

	"gorm.io/gorm"
)

// Review states.
const (
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
)

// BuildReview records an approval or rejection of a whole build. A nil
// UserID marks an automatic review.
type BuildReview struct {
	ID        string  `gorm:"primaryKey;size:36"`
	BuildID   string  `gorm:"size:36;index;not null"`
	UserID    *string `gorm:"size:36"`
	State     string  `gorm:"size:16;not null"`
	CreatedAt time.Time
}

func (r *BuildReview) BeforeCreate(*gorm.DB) error { ensureID(&r.ID); return nil }

// ScreenshotDiffReview records the decision on one diff within a build review.
type ScreenshotDiffReview struct {
	BuildReviewID    string `gorm:"primaryKey;size:36"`
	ScreenshotDiffID string `gorm:"primaryKey;size:36"`
	State            string `gorm:"size:16;not null"`
	CreatedAt        time.Time
}
