package db

import (
	"fmt"

	"github.com/argos-ci/argos-sub005/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Account{},
		&models.Project{},
		&models.GithubInstallation{},
		&models.GithubRepository{},
		&models.GitlabProject{},
		&models.PullRequest{},
		&models.File{},
		&models.Test{},
		&models.ScreenshotBucket{},
		&models.Screenshot{},
		&models.Build{},
		&models.BuildShard{},
		&models.ScreenshotDiff{},
		&models.IgnoredFile{},
		&models.BuildReview{},
		&models.ScreenshotDiffReview{},
		&models.BuildNotification{},
		&models.AutomationRule{},
		&models.AutomationRun{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
