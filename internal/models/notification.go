package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Build notification types.
const (
	NotificationQueued         = "queued"
	NotificationProgress       = "progress"
	NotificationNoDiffDetected = "no-diff-detected"
	NotificationDiffDetected   = "diff-detected"
	NotificationDiffAccepted   = "diff-accepted"
	NotificationDiffRejected   = "diff-rejected"
)

// BuildNotification is one status update to deliver for a build.
type BuildNotification struct {
	ID        string `gorm:"primaryKey;size:36"`
	BuildID   string `gorm:"size:36;index;not null"`
	Type      string `gorm:"size:32;not null"`
	JobStatus string `gorm:"size:16;default:pending"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (n *BuildNotification) BeforeCreate(*gorm.DB) error { ensureID(&n.ID); return nil }

// AutomationRule subscribes a project to an event with a set of actions.
type AutomationRule struct {
	ID        string `gorm:"primaryKey;size:36"`
	ProjectID string `gorm:"size:36;index;not null"`
	Name      string `gorm:"size:128"`
	Event     string `gorm:"size:64;index"`
	Actions   datatypes.JSONType[[]AutomationAction]
	Active    bool
	CreatedAt time.Time
}

func (r *AutomationRule) BeforeCreate(*gorm.DB) error { ensureID(&r.ID); return nil }

// AutomationAction is one step run when a rule fires.
type AutomationAction struct {
	Type    string            `json:"type"` // e.g. "send-slack-message"
	Payload map[string]string `json:"payload,omitempty"`
}

// AutomationRun is one firing of a rule for a concrete event.
type AutomationRun struct {
	ID               string  `gorm:"primaryKey;size:36"`
	AutomationRuleID string  `gorm:"size:36;index;not null"`
	Event            string  `gorm:"size:64"`
	BuildID          *string `gorm:"size:36"`
	JobStatus        string  `gorm:"size:16;default:pending"`
	CreatedAt        time.Time
}

func (r *AutomationRun) BeforeCreate(*gorm.DB) error { ensureID(&r.ID); return nil }
