// Package dbtest provides an in-memory database and row factories for tests.
package dbtest

import (
	"testing"
	"time"

	"github.com/argos-ci/argos-sub005/internal/db"
	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Open returns a migrated in-memory database private to the test.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenMemory("test-" + uuid.NewString())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return gdb
}

// Create inserts rows and fails the test on error.
func Create(t *testing.T, gdb *gorm.DB, rows ...interface{}) {
	t.Helper()
	for _, r := range rows {
		if err := gdb.Create(r).Error; err != nil {
			t.Fatalf("create %T: %v", r, err)
		}
	}
}

// Project creates an account and a project referencing it.
func Project(t *testing.T, gdb *gorm.DB, mutate ...func(*models.Project)) *models.Project {
	t.Helper()
	account := &models.Account{Slug: "acme-" + uuid.NewString()[:8], SubscriptionStatus: "active", PeriodStart: time.Now().Add(-24 * time.Hour)}
	Create(t, gdb, account)
	main := "main"
	p := &models.Project{Name: "web", AccountID: account.ID, DefaultBaseBranch: &main}
	for _, m := range mutate {
		m(p)
	}
	Create(t, gdb, p)
	return p
}

// Bucket creates a complete, valid bucket.
func Bucket(t *testing.T, gdb *gorm.DB, projectID, commit, branch string, mutate ...func(*models.ScreenshotBucket)) *models.ScreenshotBucket {
	t.Helper()
	b := &models.ScreenshotBucket{ProjectID: projectID, Name: "default", Commit: commit, Branch: branch, Complete: true, Valid: true}
	for _, m := range mutate {
		m(b)
	}
	Create(t, gdb, b)
	return b
}

// File creates a file, with dimensions when withDimensions is set.
func File(t *testing.T, gdb *gorm.DB, withDimensions bool) *models.File {
	t.Helper()
	f := &models.File{Key: uuid.NewString()}
	if withDimensions {
		w, h := 1280, 720
		f.Width, f.Height = &w, &h
	}
	Create(t, gdb, f)
	return f
}

// Screenshot creates a screenshot in bucketID pointing at file (may be nil).
func Screenshot(t *testing.T, gdb *gorm.DB, bucketID, name string, file *models.File, mutate ...func(*models.Screenshot)) *models.Screenshot {
	t.Helper()
	s := &models.Screenshot{ScreenshotBucketID: bucketID, Name: name}
	if file != nil {
		s.FileID = &file.ID
	}
	for _, m := range mutate {
		m(s)
	}
	Create(t, gdb, s)
	return s
}

// Build creates a build on compareBucket.
func Build(t *testing.T, gdb *gorm.DB, projectID string, compare *models.ScreenshotBucket, mutate ...func(*models.Build)) *models.Build {
	t.Helper()
	b := &models.Build{ProjectID: projectID, Name: "default", CompareScreenshotBucketID: compare.ID}
	for _, m := range mutate {
		m(b)
	}
	Create(t, gdb, b)
	return b
}

// Reload reads the build back from the database.
func Reload(t *testing.T, gdb *gorm.DB, id string) *models.Build {
	t.Helper()
	var b models.Build
	if err := gdb.Where("id = ?", id).First(&b).Error; err != nil {
		t.Fatalf("reload build %s: %v", id, err)
	}
	return &b
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
