package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// File is the stored identity of an image. Two screenshots pointing at the
// same File are byte-identical.
type File struct {
	ID        string `gorm:"primaryKey;size:36"`
	Key       string `gorm:"size:128;uniqueIndex"`
	Width     *int
	Height    *int
	CreatedAt time.Time
}

func (f *File) BeforeCreate(*gorm.DB) error { ensureID(&f.ID); return nil }

// HasDimensions reports whether the image dimensions are known.
func (f *File) HasDimensions() bool {
	return f != nil && f.Width != nil && f.Height != nil
}

// Test is the logical test a screenshot belongs to across builds.
type Test struct {
	ID        string `gorm:"primaryKey;size:36"`
	ProjectID string `gorm:"size:36;index"`
	Name      string `gorm:"size:1024"`
	CreatedAt time.Time
}

func (t *Test) BeforeCreate(*gorm.DB) error { ensureID(&t.ID); return nil }

// ScreenshotBucket is the set of screenshots captured at one commit for one
// build. It is immutable once Complete is true.
type ScreenshotBucket struct {
	ID                       string `gorm:"primaryKey;size:36"`
	ProjectID                string `gorm:"size:36;index:idx_bucket_lookup"`
	Name                     string `gorm:"size:256;index:idx_bucket_lookup"`
	Commit                   string `gorm:"column:commit_sha;size:40;index:idx_bucket_lookup"`
	Branch                   string `gorm:"size:256"`
	Complete                 bool   `gorm:"default:false"`
	Valid                    bool
	ScreenshotCount          *int
	StorybookScreenshotCount *int
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

func (b *ScreenshotBucket) BeforeCreate(*gorm.DB) error { ensureID(&b.ID); return nil }

// ScreenshotMetadata is the SDK-reported context attached to a screenshot.
type ScreenshotMetadata struct {
	SDK *ScreenshotSDK `json:"sdk,omitempty"`
}

// ScreenshotSDK identifies the integration that captured a screenshot.
type ScreenshotSDK struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Screenshot is one captured image inside a bucket. Screenshots uploaded
// as part of a sharded run reference their BuildShard.
type Screenshot struct {
	ID                 string  `gorm:"primaryKey;size:36"`
	ScreenshotBucketID string  `gorm:"size:36;index;not null"`
	Name               string  `gorm:"size:1024;not null"`
	BaseName           *string `gorm:"size:1024"`
	FileID             *string `gorm:"size:36;index"`
	TestID             *string `gorm:"size:36"`
	BuildShardID       *string `gorm:"size:36;index"`
	Metadata           datatypes.JSONType[ScreenshotMetadata]
	CreatedAt          time.Time

	File *File `gorm:"foreignKey:FileID"`
}

func (s *Screenshot) BeforeCreate(*gorm.DB) error { ensureID(&s.ID); return nil }

// IsStorybook reports whether the screenshot was captured by the Storybook integration.
func (s *Screenshot) IsStorybook() bool {
	sdk := s.Metadata.Data().SDK
	return sdk != nil && (sdk.Name == "@argos-ci/storybook" || sdk.Name == "storybook")
}
