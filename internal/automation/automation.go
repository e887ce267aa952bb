// Package automation fires project automation rules on build events and
// runs their actions.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/argos-ci/argos-sub005/internal/apperr"
	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/argos-ci/argos-sub005/internal/notify"
	"github.com/argos-ci/argos-sub005/internal/queue"
	slackapi "github.com/slack-go/slack"
	"gorm.io/gorm"
)

// Events.
const (
	EventBuildCompleted = "build.completed"
	EventBuildReviewed  = "build.reviewed"
)

// Action types.
const (
	ActionSendSlackMessage = "send-slack-message"
)

// Event is one occurrence rules can subscribe to.
type Event struct {
	ProjectID string
	Event     string
	BuildID   string
}

// Engine matches events against rules and executes runs.
type Engine struct {
	db     *gorm.DB
	queue  queue.Dispatcher
	poster notify.Poster
}

// New returns an Engine.
func New(db *gorm.DB, dispatcher queue.Dispatcher, poster notify.Poster) *Engine {
	if poster == nil {
		poster = notify.WebhookPoster{}
	}
	return &Engine{db: db, queue: dispatcher, poster: poster}
}

// TriggerAndRun records a run for every active rule of the project
// subscribed to the event and queues it. It returns the created run ids.
func (e *Engine) TriggerAndRun(ctx context.Context, ev Event) ([]string, error) {
	db := e.db.WithContext(ctx)

	var rules []models.AutomationRule
	if err := db.Where("project_id = ? AND event = ? AND active = ?", ev.ProjectID, ev.Event, true).
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("automation: load rules of project %s: %w", ev.ProjectID, err)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	var buildID *string
	if ev.BuildID != "" {
		buildID = &ev.BuildID
	}
	runs := make([]models.AutomationRun, 0, len(rules))
	for _, r := range rules {
		runs = append(runs, models.AutomationRun{AutomationRuleID: r.ID, Event: ev.Event, BuildID: buildID, JobStatus: models.JobPending})
	}
	if err := db.Create(&runs).Error; err != nil {
		return nil, fmt.Errorf("automation: create runs: %w", err)
	}

	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	if err := e.queue.Push(ctx, queue.TypeAutomationRun, ids...); err != nil {
		return ids, fmt.Errorf("automation: push runs: %w", err)
	}
	return ids, nil
}

// Run executes the actions of one automation run.
func (e *Engine) Run(ctx context.Context, runID string) error {
	db := e.db.WithContext(ctx)

	var run models.AutomationRun
	if err := db.Where("id = ?", runID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Unretryablef("automation: run %s not found", runID)
		}
		return fmt.Errorf("automation: load run %s: %w", runID, err)
	}
	if run.JobStatus == models.JobComplete {
		return nil
	}
	var rule models.AutomationRule
	if err := db.Where("id = ?", run.AutomationRuleID).First(&rule).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Unretryablef("automation: rule %s of run %s not found", run.AutomationRuleID, runID)
		}
		return fmt.Errorf("automation: load rule %s: %w", run.AutomationRuleID, err)
	}

	var build *models.Build
	if run.BuildID != nil {
		var b models.Build
		if err := db.Preload("Project").Where("id = ?", *run.BuildID).First(&b).Error; err != nil {
			return fmt.Errorf("automation: load build %s: %w", *run.BuildID, err)
		}
		build = &b
	}

	status := models.JobComplete
	var runErr error
	for _, action := range rule.Actions.Data() {
		if err := e.runAction(ctx, action, run.Event, build); err != nil {
			status, runErr = models.JobError, err
			break
		}
	}
	if err := db.Model(&models.AutomationRun{}).Where("id = ?", runID).Update("job_status", status).Error; err != nil {
		return fmt.Errorf("automation: update run %s: %w", runID, err)
	}
	return runErr
}

func (e *Engine) runAction(ctx context.Context, action models.AutomationAction, event string, build *models.Build) error {
	switch action.Type {
	case ActionSendSlackMessage:
		url := action.Payload["webhookUrl"]
		if url == "" {
			return apperr.Unretryablef("automation: %s action without webhookUrl", action.Type)
		}
		var msg *slackapi.WebhookMessage
		if build != nil {
			msg = notify.Format(build, notificationFor(build))
		} else {
			msg = &slackapi.WebhookMessage{Text: event}
		}
		if text := action.Payload["text"]; text != "" {
			msg.Text = text
		}
		if err := e.poster.PostWebhook(ctx, url, msg); err != nil {
			return fmt.Errorf("automation: send slack message: %w", err)
		}
		return nil
	default:
		log.Printf("automation: unknown action type %q skipped", action.Type)
		return nil
	}
}

func notificationFor(build *models.Build) string {
	if build.Conclusion != nil && *build.Conclusion == models.ConclusionNoChanges {
		return models.NotificationNoDiffDetected
	}
	return models.NotificationDiffDetected
}
