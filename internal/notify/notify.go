// Package notify delivers build status notifications to the project's Slack
// webhook.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/argos-ci/argos-sub005/internal/apperr"
	"github.com/argos-ci/argos-sub005/internal/models"
	slackapi "github.com/slack-go/slack"
	"gorm.io/gorm"
)

// Poster sends one message to a Slack incoming webhook.
type Poster interface {
	PostWebhook(ctx context.Context, url string, msg *slackapi.WebhookMessage) error
}

// WebhookPoster posts through the Slack webhook API.
type WebhookPoster struct{}

func (WebhookPoster) PostWebhook(ctx context.Context, url string, msg *slackapi.WebhookMessage) error {
	return slackapi.PostWebhookContext(ctx, url, msg)
}

// Notifier delivers BuildNotification rows.
type Notifier struct {
	db             *gorm.DB
	poster         Poster
	defaultWebhook string
}

// New returns a Notifier. defaultWebhook is used for projects without
// their own webhook; when both are empty notifications are only marked
// delivered.
func New(db *gorm.DB, poster Poster, defaultWebhook string) *Notifier {
	if poster == nil {
		poster = WebhookPoster{}
	}
	return &Notifier{db: db, poster: poster, defaultWebhook: defaultWebhook}
}

// Deliver sends the notification and records its job status. Delivering a
// completed notification again is a no-op.
func (n *Notifier) Deliver(ctx context.Context, notificationID string) error {
	db := n.db.WithContext(ctx)

	var notification models.BuildNotification
	if err := db.Where("id = ?", notificationID).First(&notification).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Unretryablef("notify: notification %s not found", notificationID)
		}
		return fmt.Errorf("notify: load notification %s: %w", notificationID, err)
	}
	if notification.JobStatus == models.JobComplete {
		return nil
	}

	var build models.Build
	if err := db.Preload("Project").Where("id = ?", notification.BuildID).First(&build).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Unretryablef("notify: build %s of notification %s not found", notification.BuildID, notificationID)
		}
		return fmt.Errorf("notify: load build %s: %w", notification.BuildID, err)
	}

	url := n.defaultWebhook
	if build.Project != nil && build.Project.SlackWebhookURL != "" {
		url = build.Project.SlackWebhookURL
	}
	if url != "" {
		if err := n.poster.PostWebhook(ctx, url, Format(&build, notification.Type)); err != nil {
			n.setStatus(ctx, notificationID, models.JobError)
			return fmt.Errorf("notify: post notification %s: %w", notificationID, err)
		}
	} else {
		log.Printf("notify: build %s: no webhook configured, %s not sent", build.ID, notification.Type)
	}
	return n.setStatus(ctx, notificationID, models.JobComplete)
}

func (n *Notifier) setStatus(ctx context.Context, id, status string) error {
	if err := n.db.WithContext(ctx).Model(&models.BuildNotification{}).Where("id = ?", id).
		Update("job_status", status).Error; err != nil {
		log.Printf("notify: set notification %s to %s: %v", id, status, err)
		return fmt.Errorf("notify: set notification %s status: %w", id, err)
	}
	return nil
}
