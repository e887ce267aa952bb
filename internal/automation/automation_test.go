package automation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/argos-ci/argos-sub005/internal/dbtest"
	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/argos-ci/argos-sub005/internal/queue"
	slackapi "github.com/slack-go/slack"
	"gorm.io/datatypes"
)

type recordingPoster struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (p *recordingPoster) PostWebhook(_ context.Context, url string, _ *slackapi.WebhookMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.urls = append(p.urls, url)
	return nil
}

func slackRule(projectID, event string, active bool) *models.AutomationRule {
	return &models.AutomationRule{
		ProjectID: projectID,
		Name:      "notify",
		Event:     event,
		Active:    active,
		Actions: datatypes.NewJSONType([]models.AutomationAction{
			{Type: ActionSendSlackMessage, Payload: map[string]string{"webhookUrl": "https://hooks.example/rule"}},
		}),
	}
}

func TestTriggerAndRun(t *testing.T) {
	gdb := dbtest.Open(t)
	project := dbtest.Project(t, gdb)
	build := dbtest.Build(t, gdb, project.ID, dbtest.Bucket(t, gdb, project.ID, "c1", "main"))
	dbtest.Create(t, gdb,
		slackRule(project.ID, EventBuildCompleted, true),
		slackRule(project.ID, EventBuildCompleted, false),
		slackRule(project.ID, EventBuildReviewed, true),
	)

	rec := &queue.Recorder{}
	e := New(gdb, rec, &recordingPoster{})
	ids, err := e.TriggerAndRun(context.Background(), Event{ProjectID: project.ID, Event: EventBuildCompleted, BuildID: build.ID})
	if err != nil {
		t.Fatalf("TriggerAndRun: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("runs = %d, want 1", len(ids))
	}
	if got := rec.OfType(queue.TypeAutomationRun); len(got) != 1 || got[0] != ids[0] {
		t.Errorf("pushed = %v, want %v", got, ids)
	}
}

func TestTriggerAndRun_NoRules(t *testing.T) {
	gdb := dbtest.Open(t)
	rec := &queue.Recorder{}
	ids, err := New(gdb, rec, nil).TriggerAndRun(context.Background(), Event{ProjectID: "p", Event: EventBuildCompleted})
	if err != nil || len(ids) != 0 {
		t.Errorf("TriggerAndRun() = %v, %v; want none", ids, err)
	}
	if len(rec.Jobs) != 0 {
		t.Errorf("pushed %d jobs, want 0", len(rec.Jobs))
	}
}

func TestRun(t *testing.T) {
	gdb := dbtest.Open(t)
	project := dbtest.Project(t, gdb)
	build := dbtest.Build(t, gdb, project.ID, dbtest.Bucket(t, gdb, project.ID, "c1", "main"), func(b *models.Build) {
		b.Conclusion = dbtest.Ptr(models.ConclusionNoChanges)
	})
	rule := slackRule(project.ID, EventBuildCompleted, true)
	dbtest.Create(t, gdb, rule)
	run := &models.AutomationRun{AutomationRuleID: rule.ID, Event: EventBuildCompleted, BuildID: &build.ID}
	dbtest.Create(t, gdb, run)

	poster := &recordingPoster{}
	e := New(gdb, &queue.Recorder{}, poster)
	if err := e.Run(context.Background(), run.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(poster.urls) != 1 || poster.urls[0] != "https://hooks.example/rule" {
		t.Errorf("posted to %v", poster.urls)
	}
	var stored models.AutomationRun
	gdb.Where("id = ?", run.ID).First(&stored)
	if stored.JobStatus != models.JobComplete {
		t.Errorf("JobStatus = %q, want %q", stored.JobStatus, models.JobComplete)
	}
	if err := e.Run(context.Background(), run.ID); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(poster.urls) != 1 {
		t.Errorf("completed run executed again")
	}
}

func TestRun_ActionFailure(t *testing.T) {
	gdb := dbtest.Open(t)
	project := dbtest.Project(t, gdb)
	rule := slackRule(project.ID, EventBuildCompleted, true)
	dbtest.Create(t, gdb, rule)
	run := &models.AutomationRun{AutomationRuleID: rule.ID, Event: EventBuildCompleted}
	dbtest.Create(t, gdb, run)

	e := New(gdb, &queue.Recorder{}, &recordingPoster{err: errors.New("boom")})
	if err := e.Run(context.Background(), run.ID); err == nil {
		t.Fatal("expected error")
	}
	var stored models.AutomationRun
	gdb.Where("id = ?", run.ID).First(&stored)
	if stored.JobStatus != models.JobError {
		t.Errorf("JobStatus = %q, want %q", stored.JobStatus, models.JobError)
	}
}
