package models

import (
	"time"

	"gorm.io/gorm"
)

// Diff validation statuses.
const (
	ValidationUnknown  = "unknown"
	ValidationAccepted = "accepted"
	ValidationRejected = "rejected"
)

// ScreenshotDiff pairs a compare screenshot (nil when removed) with a base
// screenshot (nil when added) inside one build.
type ScreenshotDiff struct {
	ID                  string  `gorm:"primaryKey;size:36"`
	BuildID             string  `gorm:"size:36;index;not null"`
	CompareScreenshotID *string `gorm:"size:36"`
	BaseScreenshotID    *string `gorm:"size:36"`
	FileID              *string `gorm:"size:36"`
	TestID              *string `gorm:"size:36"`
	JobStatus           string  `gorm:"size:16;default:pending"`
	ValidationStatus    string  `gorm:"size:16;default:unknown"`
	Score               *float64
	CreatedAt           time.Time
	UpdatedAt           time.Time

	CompareScreenshot *Screenshot `gorm:"foreignKey:CompareScreenshotID"`
	BaseScreenshot    *Screenshot `gorm:"foreignKey:BaseScreenshotID"`
}

func (d *ScreenshotDiff) BeforeCreate(*gorm.DB) error { ensureID(&d.ID); return nil }

// IgnoredFile suppresses a known-noisy diff image for one test.
type IgnoredFile struct {
	ProjectID string `gorm:"primaryKey;size:36"`
	TestID    string `gorm:"primaryKey;size:36"`
	FileID    string `gorm:"primaryKey;size:36"`
	CreatedAt time.Time
}
