package notify

import (
	"fmt"
	"strconv"

	"github.com/argos-ci/argos-sub005/internal/models"
	slackapi "github.com/slack-go/slack"
)

type status struct {
	title string
	color string
}

var statuses = map[string]status{
	models.NotificationQueued:         {"Build queued", "#9ca3af"},
	models.NotificationProgress:       {"Build in progress", "#3b82f6"},
	models.NotificationNoDiffDetected: {"No changes detected", "#36a64f"},
	models.NotificationDiffDetected:   {"Changes detected", "#f59e0b"},
	models.NotificationDiffAccepted:   {"Changes approved", "#36a64f"},
	models.NotificationDiffRejected:   {"Changes rejected", "#dc2626"},
}

// Format renders a notification of the given type as a Slack message.
func Format(build *models.Build, notificationType string) *slackapi.WebhookMessage {
	st, ok := statuses[notificationType]
	if !ok {
		st = status{title: notificationType, color: "#9ca3af"}
	}

	project := ""
	if build.Project != nil {
		project = build.Project.Name
	}
	title := fmt.Sprintf("%s #%d", build.Name, build.Number)
	if project != "" {
		title = project + " / " + title
	}

	fields := []slackapi.AttachmentField{
		{Title: "Status", Value: st.title, Short: true},
	}
	if build.Type != nil {
		fields = append(fields, slackapi.AttachmentField{Title: "Type", Value: *build.Type, Short: true})
	}
	if build.Conclusion != nil {
		stats := build.Stats.Data()
		fields = append(fields, slackapi.AttachmentField{
			Title: "Screenshots",
			Value: fmt.Sprintf("%d changed, %d added, %d removed, %d unchanged",
				stats.Changed, stats.Added, stats.Removed, stats.Unchanged),
		})
	}
	if build.PrNumber != nil {
		fields = append(fields, slackapi.AttachmentField{Title: "Pull request", Value: "#" + strconv.Itoa(*build.PrNumber), Short: true})
	}

	return &slackapi.WebhookMessage{
		Text: fmt.Sprintf("%s: %s", title, st.title),
		Attachments: []slackapi.Attachment{{
			Color:  st.color,
			Title:  title,
			Fields: fields,
		}},
	}
}
