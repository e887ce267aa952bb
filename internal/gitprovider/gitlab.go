package gitprovider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/xanzy/go-gitlab"
)

// GitLab resolves ancestry through the GitLab REST API with the project's
// access token.
type GitLab struct {
	baseURL string
}

// NewGitLab returns the GitLab strategy for the API at baseURL.
func NewGitLab(baseURL string) *GitLab {
	return &GitLab{baseURL: baseURL}
}

// Kind implements Strategy.
func (g *GitLab) Kind() Kind { return KindGitLab }

// Detect reports whether the project is linked to a GitLab project.
func (g *GitLab) Detect(project *models.Project) bool {
	return project != nil && project.GitlabProjectID != nil && project.GitlabProject != nil &&
		project.GitlabProject.AccessToken != ""
}

// GetContext returns a client authenticated with the project's token.
func (g *GitLab) GetContext(ctx context.Context, project *models.Project) (Client, error) {
	gp := project.GitlabProject
	client, err := gitlab.NewClient(gp.AccessToken, gitlab.WithBaseURL(g.baseURL))
	if err != nil {
		return nil, fmt.Errorf("gitprovider: gitlab client: %w", err)
	}
	return &GitLabProject{client: client, pid: int(gp.GitlabID)}, nil
}

// GitLabProject is a Client bound to one GitLab project.
type GitLabProject struct {
	client *gitlab.Client
	pid    int
}

// MergeBaseCommitSha returns the merge base of base and head, or
// ErrNotFound when GitLab cannot compare them.
func (p *GitLabProject) MergeBaseCommitSha(ctx context.Context, base, head string) (string, error) {
	refs := []string{base, head}
	commit, resp, err := p.client.Repositories.MergeBase(p.pid, &gitlab.MergeBaseOptions{Ref: &refs}, gitlab.WithContext(ctx))
	if err != nil {
		return "", gitlabError(resp, err, "merge base %s %s", base, head)
	}
	if commit == nil || commit.ID == "" {
		return "", ErrNotFound
	}
	return commit.ID, nil
}

// ListParentCommitShas lists up to 100 commits reachable from sha,
// most recent first.
func (p *GitLabProject) ListParentCommitShas(ctx context.Context, sha string) ([]string, error) {
	commits, resp, err := p.client.Commits.ListCommits(p.pid, &gitlab.ListCommitsOptions{
		RefName:     gitlab.Ptr(sha),
		ListOptions: gitlab.ListOptions{PerPage: 100},
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, gitlabError(resp, err, "list commits from %s", sha)
	}
	shas := make([]string, 0, len(commits))
	for _, c := range commits {
		shas = append(shas, c.ID)
	}
	return shas, nil
}

func gitlabError(resp *gitlab.Response, err error, format string, args ...interface{}) error {
	if resp != nil && resp.Response != nil && resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return fmt.Errorf("gitprovider: gitlab %s: %w", fmt.Sprintf(format, args...), err)
}
