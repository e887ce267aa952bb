// Package baseline resolves the historical screenshot bucket a build is
// compared against.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/argos-ci/argos-sub005/internal/apperr"
	"github.com/argos-ci/argos-sub005/internal/gitprovider"
	"github.com/argos-ci/argos-sub005/internal/models"
	"gorm.io/gorm"
)

const defaultMergeBaseTimeout = 10 * time.Second

// Resolver finds and records the base bucket of builds.
type Resolver struct {
	db               *gorm.DB
	providers        *gitprovider.Registry
	mergeBaseTimeout time.Duration
}

// New returns a Resolver. A zero mergeBaseTimeout uses the default.
func New(db *gorm.DB, providers *gitprovider.Registry, mergeBaseTimeout time.Duration) *Resolver {
	if mergeBaseTimeout <= 0 {
		mergeBaseTimeout = defaultMergeBaseTimeout
	}
	return &Resolver{db: db, providers: providers, mergeBaseTimeout: mergeBaseTimeout}
}

// Resolution is the outcome recorded on the build.
type Resolution struct {
	BaseBranch   string
	ResolvedFrom string
	Bucket       *models.ScreenshotBucket
}

// GetBaseScreenshotBucket returns the base bucket of build, resolving and
// recording it on first call. A nil bucket means no baseline exists. Once
// recorded, the resolution never changes.
func (r *Resolver) GetBaseScreenshotBucket(ctx context.Context, build *models.Build) (*models.ScreenshotBucket, error) {
	if build.BaseBranchResolvedFrom != nil {
		return r.storedBucket(build)
	}

	res, err := r.Resolve(ctx, build)
	if err != nil {
		return nil, err
	}
	return r.persist(build, res)
}

// Resolve computes the base bucket without recording it.
func (r *Resolver) Resolve(ctx context.Context, build *models.Build) (*Resolution, error) {
	var compare models.ScreenshotBucket
	if err := r.db.Where("id = ?", build.CompareScreenshotBucketID).First(&compare).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Unretryablef("baseline: compare bucket %s of build %s not found", build.CompareScreenshotBucketID, build.ID)
		}
		return nil, fmt.Errorf("baseline: load compare bucket: %w", err)
	}

	var project models.Project
	if err := r.db.Preload("GithubRepository.Installation").Preload("GitlabProject").
		Where("id = ?", build.ProjectID).First(&project).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Unretryablef("baseline: project %s of build %s not found", build.ProjectID, build.ID)
		}
		return nil, fmt.Errorf("baseline: load project: %w", err)
	}

	res := &Resolution{}
	res.BaseBranch, res.ResolvedFrom = baseBranch(build, &project)

	strategy := r.providers.For(&project)
	if strategy == nil {
		if build.ReferenceCommit == nil {
			return res, nil
		}
		bucket, err := r.bucketAtCommit(&compare, *build.ReferenceCommit)
		if err != nil {
			return nil, err
		}
		res.Bucket = bucket
		return res, nil
	}

	client, err := strategy.GetContext(ctx, &project)
	if err != nil {
		return nil, fmt.Errorf("baseline: %s context: %w", strategy.Kind(), err)
	}

	mergeBase, err := r.mergeBase(ctx, client, res.BaseBranch, compare.Commit)
	if err != nil {
		return nil, err
	}
	if mergeBase == "" {
		return res, nil
	}

	// On the reference branch itself the merge base is the head: the
	// baseline has to be a strict ancestor.
	if mergeBase == compare.Commit {
		res.Bucket, err = r.ancestorBucket(ctx, client, &compare, mergeBase)
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	bucket, err := r.bucketAtCommit(&compare, mergeBase)
	if err != nil {
		return nil, err
	}
	if bucket != nil {
		res.Bucket = bucket
		return res, nil
	}

	res.Bucket, err = r.ancestorBucket(ctx, client, &compare, mergeBase)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// baseBranch picks the per-build override, then the project setting, then
// the repository default branch.
func baseBranch(build *models.Build, project *models.Project) (string, string) {
	if build.ReferenceBranch != nil && *build.ReferenceBranch != "" {
		return *build.ReferenceBranch, models.ResolvedFromUser
	}
	if project.DefaultBaseBranch != nil && *project.DefaultBaseBranch != "" {
		return *project.DefaultBaseBranch, models.ResolvedFromProject
	}
	if project.GithubRepository != nil && project.GithubRepository.DefaultBranch != "" {
		return project.GithubRepository.DefaultBranch, models.ResolvedFromProject
	}
	if project.GitlabProject != nil && project.GitlabProject.DefaultBranch != "" {
		return project.GitlabProject.DefaultBranch, models.ResolvedFromProject
	}
	return "main", models.ResolvedFromProject
}

// mergeBase asks the host for the merge base. Not found and a timeout of
// the bounded lookup both yield "".
func (r *Resolver) mergeBase(ctx context.Context, client gitprovider.Client, base, head string) (string, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.mergeBaseTimeout)
	defer cancel()

	sha, err := client.MergeBaseCommitSha(lookupCtx, base, head)
	switch {
	case err == nil:
		return sha, nil
	case errors.Is(err, gitprovider.ErrNotFound):
		return "", nil
	case ctx.Err() == nil && errors.Is(lookupCtx.Err(), context.DeadlineExceeded):
		log.Printf("baseline: merge base %s...%s timed out after %s", base, head, r.mergeBaseTimeout)
		return "", nil
	default:
		return "", fmt.Errorf("baseline: merge base %s...%s: %w", base, head, err)
	}
}

// ancestorBucket returns the bucket of the first listed ancestor of sha,
// excluding sha itself, in the order the host returned them.
func (r *Resolver) ancestorBucket(ctx context.Context, client gitprovider.Client, compare *models.ScreenshotBucket, sha string) (*models.ScreenshotBucket, error) {
	shas, err := client.ListParentCommitShas(ctx, sha)
	if err != nil {
		if errors.Is(err, gitprovider.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("baseline: list parents of %s: %w", sha, err)
	}
	parents := make([]string, 0, len(shas))
	for _, s := range shas {
		if s != sha {
			parents = append(parents, s)
		}
	}
	return r.firstBucketInOrder(compare, parents)
}

// firstBucketInOrder loads candidate buckets, then walks commits in the
// given order and returns the first one with a bucket.
func (r *Resolver) firstBucketInOrder(compare *models.ScreenshotBucket, commits []string) (*models.ScreenshotBucket, error) {
	if len(commits) == 0 {
		return nil, nil
	}
	var buckets []models.ScreenshotBucket
	if err := r.candidates(compare).Where("commit_sha IN ?", commits).
		Order("created_at DESC").Find(&buckets).Error; err != nil {
		return nil, fmt.Errorf("baseline: load ancestor buckets: %w", err)
	}
	byCommit := make(map[string]*models.ScreenshotBucket, len(buckets))
	for i := range buckets {
		if _, seen := byCommit[buckets[i].Commit]; !seen {
			byCommit[buckets[i].Commit] = &buckets[i]
		}
	}
	for _, c := range commits {
		if b, ok := byCommit[c]; ok {
			return b, nil
		}
	}
	return nil, nil
}

func (r *Resolver) bucketAtCommit(compare *models.ScreenshotBucket, commit string) (*models.ScreenshotBucket, error) {
	return r.firstBucketInOrder(compare, []string{commit})
}

// candidates scopes bucket lookups to complete, valid buckets of the same
// project and name as the compare bucket.
func (r *Resolver) candidates(compare *models.ScreenshotBucket) *gorm.DB {
	return r.db.Model(&models.ScreenshotBucket{}).
		Where("project_id = ? AND name = ? AND complete = ? AND valid = ?", compare.ProjectID, compare.Name, true, true)
}

// persist records the resolution exactly once. A concurrent resolver that
// won the race determines the result.
func (r *Resolver) persist(build *models.Build, res *Resolution) (*models.ScreenshotBucket, error) {
	var bucketID *string
	if res.Bucket != nil {
		bucketID = &res.Bucket.ID
	}
	result := r.db.Model(&models.Build{}).
		Where("id = ? AND base_branch_resolved_from IS NULL", build.ID).
		Updates(map[string]interface{}{
			"base_branch":               res.BaseBranch,
			"base_branch_resolved_from": res.ResolvedFrom,
			"base_screenshot_bucket_id": bucketID,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("baseline: record base of build %s: %w", build.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		var stored models.Build
		if err := r.db.Where("id = ?", build.ID).First(&stored).Error; err != nil {
			return nil, fmt.Errorf("baseline: reload build %s: %w", build.ID, err)
		}
		build.BaseBranch = stored.BaseBranch
		build.BaseBranchResolvedFrom = stored.BaseBranchResolvedFrom
		build.BaseScreenshotBucketID = stored.BaseScreenshotBucketID
		return r.storedBucket(build)
	}

	build.BaseBranch = &res.BaseBranch
	build.BaseBranchResolvedFrom = &res.ResolvedFrom
	build.BaseScreenshotBucketID = bucketID
	return res.Bucket, nil
}

func (r *Resolver) storedBucket(build *models.Build) (*models.ScreenshotBucket, error) {
	if build.BaseScreenshotBucketID == nil {
		return nil, nil
	}
	var bucket models.ScreenshotBucket
	if err := r.db.Where("id = ?", *build.BaseScreenshotBucketID).First(&bucket).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Unretryablef("baseline: base bucket %s of build %s not found", *build.BaseScreenshotBucketID, build.ID)
		}
		return nil, fmt.Errorf("baseline: load base bucket: %w", err)
	}
	return &bucket, nil
}
