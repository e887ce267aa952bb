package models

import (
	"time"

	"gorm.io/gorm"
)

// Account owns projects and carries the subscription state used by billing.
type Account struct {
	ID                 string  `gorm:"primaryKey;size:36"`
	Slug               string  `gorm:"size:64;uniqueIndex"`
	Type               string  `gorm:"size:8;default:user"` // user, team
	PlanID             *string `gorm:"size:36"`
	SubscriptionStatus string  `gorm:"size:16"` // active, trialing, canceled
	FlatRate           bool    `gorm:"default:false"`
	ScreenshotsLimit   *int64
	PeriodScreenshots  int64 `gorm:"default:0"`
	PeriodCostCents    int64 `gorm:"default:0"`
	SpendLimitCents    *int64
	BlockWhenSpendHit  bool   `gorm:"default:false"`
	Currency           string `gorm:"size:3;default:usd"`
	PeriodStart        time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (a *Account) BeforeCreate(*gorm.DB) error { ensureID(&a.ID); return nil }

// Project is the tenant-scoped container for buckets and builds. At most one
// of GithubRepositoryID and GitlabProjectID is set.
type Project struct {
	ID                 string  `gorm:"primaryKey;size:36"`
	Name               string  `gorm:"size:128;not null"`
	AccountID          string  `gorm:"size:36;index;not null"`
	DefaultBaseBranch  *string `gorm:"size:256"`
	GithubRepositoryID *string `gorm:"size:36"`
	GitlabProjectID    *string `gorm:"size:36"`
	SlackWebhookURL    string  `gorm:"size:512"`
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Account          *Account          `gorm:"foreignKey:AccountID"`
	GithubRepository *GithubRepository `gorm:"foreignKey:GithubRepositoryID"`
	GitlabProject    *GitlabProject    `gorm:"foreignKey:GitlabProjectID"`
}

func (p *Project) BeforeCreate(*gorm.DB) error { ensureID(&p.ID); return nil }

// GithubInstallation is a GitHub App installation granting API access.
type GithubInstallation struct {
	ID          string `gorm:"primaryKey;size:36"`
	GithubID    int64  `gorm:"uniqueIndex"`
	AccessToken string `gorm:"size:256"`
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

func (i *GithubInstallation) BeforeCreate(*gorm.DB) error { ensureID(&i.ID); return nil }

// GithubRepository links a project to a GitHub repository.
type GithubRepository struct {
	ID             string `gorm:"primaryKey;size:36"`
	Owner          string `gorm:"size:128;not null"`
	Name           string `gorm:"size:128;not null"`
	GithubID       int64
	DefaultBranch  string `gorm:"size:256;default:main"`
	InstallationID string `gorm:"size:36;index"`
	CreatedAt      time.Time

	Installation *GithubInstallation `gorm:"foreignKey:InstallationID"`
}

func (r *GithubRepository) BeforeCreate(*gorm.DB) error { ensureID(&r.ID); return nil }

// GitlabProject links a project to a GitLab project.
type GitlabProject struct {
	ID            string `gorm:"primaryKey;size:36"`
	GitlabID      int64
	PathWithNS    string `gorm:"size:256"`
	DefaultBranch string `gorm:"size:256;default:main"`
	AccessToken   string `gorm:"size:256"`
	CreatedAt     time.Time
}

func (g *GitlabProject) BeforeCreate(*gorm.DB) error { ensureID(&g.ID); return nil }

// PullRequest is a GitHub pull request referenced by builds. Rows are unique
// per (repository, number).
type PullRequest struct {
	ID                 string `gorm:"primaryKey;size:36"`
	GithubRepositoryID string `gorm:"size:36;uniqueIndex:idx_pr_repo_number"`
	Number             int    `gorm:"uniqueIndex:idx_pr_repo_number"`
	CommentDeleted     bool   `gorm:"default:false"`
	JobStatus          string `gorm:"size:16;default:pending"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (p *PullRequest) BeforeCreate(*gorm.DB) error { ensureID(&p.ID); return nil }
