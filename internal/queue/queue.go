// Package queue pushes fire-and-forget jobs to the external worker pool.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Job types. Diff and pull-request jobs are consumed by external workers;
// the rest are handled by internal/worker.
const (
	TypeBuild          = "build"
	TypeScreenshotDiff = "screenshot-diff"
	TypePullRequest    = "github-pull-request"
	TypeNotification   = "build-notification"
	TypeConcludeBuild  = "conclude-build"
	TypeBuildReview    = "build-review"
	TypeAutomationRun  = "automation-run"
)

// Payload is the body of every job: the id of the row to process.
type Payload struct {
	ID string `json:"id"`
}

// EncodePayload marshals a job payload.
func EncodePayload(id string) ([]byte, error) {
	data, err := json.Marshal(Payload{ID: id})
	if err != nil {
		return nil, fmt.Errorf("queue: encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload unmarshals a job payload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("queue: decode payload: %w", err)
	}
	if p.ID == "" {
		return p, fmt.Errorf("queue: decode payload: missing id")
	}
	return p, nil
}

// Dispatcher pushes jobs, one per id.
type Dispatcher interface {
	Push(ctx context.Context, jobType string, ids ...string) error
}

// Pushed is one job recorded by Recorder.
type Pushed struct {
	Type string
	ID   string
}

// Recorder is an in-memory Dispatcher that remembers every push.
type Recorder struct {
	mu   sync.Mutex
	Jobs []Pushed
	Err  error
}

// Push implements Dispatcher.
func (r *Recorder) Push(_ context.Context, jobType string, ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	for _, id := range ids {
		r.Jobs = append(r.Jobs, Pushed{Type: jobType, ID: id})
	}
	return nil
}

// OfType returns the ids pushed with jobType, in push order.
func (r *Recorder) OfType(jobType string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, j := range r.Jobs {
		if j.Type == jobType {
			ids = append(ids, j.ID)
		}
	}
	return ids
}
