package gitprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/argos-ci/argos-sub005/internal/config"
	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// GitHubClientFunc builds an API client authenticated for an installation.
type GitHubClientFunc func(ctx context.Context, installation *models.GithubInstallation) (*github.Client, error)

// GitHub resolves ancestry through the GitHub REST API.
type GitHub struct {
	newClient GitHubClientFunc
}

// NewGitHub returns the GitHub strategy using newClient for authentication.
func NewGitHub(newClient GitHubClientFunc) *GitHub {
	return &GitHub{newClient: newClient}
}

// AppClientFunc authenticates as the configured GitHub App installation, or
// with a static token when one is configured.
func AppClientFunc(cfg config.GitHubConfig) GitHubClientFunc {
	return func(ctx context.Context, installation *models.GithubInstallation) (*github.Client, error) {
		var client *github.Client
		switch {
		case cfg.Token != "":
			ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
			client = github.NewClient(oauth2.NewClient(ctx, ts))
		case installation != nil && cfg.AppID != 0:
			tr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, cfg.AppID, installation.GithubID, cfg.PrivateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("gitprovider: github app transport: %w", err)
			}
			tr.BaseURL = trimSlash(cfg.BaseURL)
			client = github.NewClient(&http.Client{Transport: tr, Timeout: 30 * time.Second})
		case installation != nil && installation.AccessToken != "":
			ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: installation.AccessToken})
			client = github.NewClient(oauth2.NewClient(ctx, ts))
		default:
			return nil, fmt.Errorf("gitprovider: no github credentials")
		}
		if cfg.BaseURL != "" && cfg.BaseURL != "https://api.github.com/" {
			var err error
			client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
			if err != nil {
				return nil, fmt.Errorf("gitprovider: github base url: %w", err)
			}
		}
		return client, nil
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// Kind implements Strategy.
func (g *GitHub) Kind() Kind { return KindGitHub }

// Detect reports whether the project is linked to a GitHub repository.
func (g *GitHub) Detect(project *models.Project) bool {
	return project != nil && project.GithubRepositoryID != nil && project.GithubRepository != nil
}

// GetContext returns a client authenticated for the project's repository.
func (g *GitHub) GetContext(ctx context.Context, project *models.Project) (Client, error) {
	return g.Repository(ctx, project.GithubRepository)
}

// Repository returns a client scoped to repo.
func (g *GitHub) Repository(ctx context.Context, repo *models.GithubRepository) (*GitHubRepository, error) {
	if repo == nil {
		return nil, fmt.Errorf("gitprovider: github repository is required")
	}
	client, err := g.newClient(ctx, repo.Installation)
	if err != nil {
		return nil, err
	}
	return &GitHubRepository{client: client, owner: repo.Owner, repo: repo.Name}, nil
}

// GitHubRepository is a Client bound to one repository.
type GitHubRepository struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubRepository binds an existing client to owner/repo.
func NewGitHubRepository(client *github.Client, owner, repo string) *GitHubRepository {
	return &GitHubRepository{client: client, owner: owner, repo: repo}
}

// MergeBaseCommitSha returns the merge base of base and head, or
// ErrNotFound when GitHub cannot compare them.
func (r *GitHubRepository) MergeBaseCommitSha(ctx context.Context, base, head string) (string, error) {
	cmp, resp, err := r.client.Repositories.CompareCommits(ctx, r.owner, r.repo, base, head, &github.ListOptions{PerPage: 1})
	if err != nil {
		return "", githubError(resp, err, "compare %s...%s", base, head)
	}
	sha := cmp.GetMergeBaseCommit().GetSHA()
	if sha == "" {
		return "", ErrNotFound
	}
	return sha, nil
}

// ListParentCommitShas lists up to 100 commits reachable from sha,
// most recent first.
func (r *GitHubRepository) ListParentCommitShas(ctx context.Context, sha string) ([]string, error) {
	commits, resp, err := r.client.Repositories.ListCommits(ctx, r.owner, r.repo, &github.CommitsListOptions{
		SHA:         sha,
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, githubError(resp, err, "list commits from %s", sha)
	}
	shas := make([]string, 0, len(commits))
	for _, c := range commits {
		shas = append(shas, c.GetSHA())
	}
	return shas, nil
}

// ListJobsForRunAttempt returns the jobs of one attempt of a workflow run.
func (r *GitHubRepository) ListJobsForRunAttempt(ctx context.Context, runID int64, attempt int) ([]Job, error) {
	var jobs []Job
	opts := &github.ListOptions{PerPage: 100}
	for {
		page, resp, err := r.client.Actions.ListWorkflowJobsAttempt(ctx, r.owner, r.repo, runID, int64(attempt), opts)
		if err != nil {
			return nil, githubError(resp, err, "list jobs for run %d attempt %d", runID, attempt)
		}
		for _, j := range page.Jobs {
			job := Job{Name: j.GetName(), Conclusion: j.GetConclusion()}
			if j.StartedAt != nil {
				t := j.StartedAt.Time
				job.StartedAt = &t
			}
			jobs = append(jobs, job)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return jobs, nil
}

func githubError(resp *github.Response, err error, format string, args ...interface{}) error {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	var ge *github.ErrorResponse
	if errors.As(err, &ge) && ge.Response != nil && ge.Response.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return fmt.Errorf("gitprovider: github %s: %w", fmt.Sprintf(format, args...), err)
}
