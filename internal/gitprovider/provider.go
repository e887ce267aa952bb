// Package gitprovider resolves commit ancestry through the Git host a
// project is linked to. The set of strategies is closed: GitHub and GitLab.
package gitprovider

import (
	"context"
	"errors"
	"time"

	"github.com/argos-ci/argos-sub005/internal/models"
)

// ErrNotFound is returned when the host reports a missing ref, commit or
// run. Callers treat it as an absent result, never as a failure.
var ErrNotFound = errors.New("gitprovider: not found")

// Kind tags a strategy.
type Kind string

const (
	KindGitHub Kind = "github"
	KindGitLab Kind = "gitlab"
)

// Client is the repository-scoped API surface used to find baselines.
type Client interface {
	// MergeBaseCommitSha returns the nearest common ancestor of base and head.
	MergeBaseCommitSha(ctx context.Context, base, head string) (string, error)
	// ListParentCommitShas returns up to 100 commits reachable from sha,
	// most recent first, sha itself included.
	ListParentCommitShas(ctx context.Context, sha string) ([]string, error)
}

// Job is a CI job as reported for one run attempt.
type Job struct {
	Name       string
	StartedAt  *time.Time
	Conclusion string
}

// Strategy builds a Client for projects linked to its host.
type Strategy interface {
	Kind() Kind
	// Detect reports whether the project is linked to this host. The
	// project must be loaded with its repository associations.
	Detect(project *models.Project) bool
	// GetContext returns a Client scoped to the project's repository.
	GetContext(ctx context.Context, project *models.Project) (Client, error)
}

// Registry selects the strategy matching a project's link.
type Registry struct {
	strategies []Strategy
}

// NewRegistry returns a Registry over the given strategies, in priority order.
func NewRegistry(strategies ...Strategy) *Registry {
	var s []Strategy
	for _, st := range strategies {
		if st != nil {
			s = append(s, st)
		}
	}
	return &Registry{strategies: s}
}

// For returns the strategy linked to project, or nil when none applies.
func (r *Registry) For(project *models.Project) Strategy {
	if r == nil {
		return nil
	}
	for _, s := range r.strategies {
		if s.Detect(project) {
			return s
		}
	}
	return nil
}
