// Package partial detects CI re-runs that reuse earlier results and fills in
// the shards such runs never upload again.
package partial

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/argos-ci/argos-sub005/internal/gitprovider"
	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/argos-ci/argos-sub005/internal/queue"
	"gorm.io/gorm"
)

// CIProviderGitHubActions is the only CI provider whose runs are checked.
const CIProviderGitHubActions = "github-actions"

const defaultCheckTimeout = 5 * time.Second

// JobLister lists the jobs of one attempt of a CI run.
type JobLister interface {
	ListJobsForRunAttempt(ctx context.Context, runID int64, attempt int) ([]gitprovider.Job, error)
}

// JobsFunc returns the job lister of the project's repository, or nil when
// the project is not linked to a CI host.
type JobsFunc func(ctx context.Context, project *models.Project) (JobLister, error)

// GitHubJobs lists jobs through the project's GitHub repository.
func GitHubJobs(gh *gitprovider.GitHub) JobsFunc {
	return func(ctx context.Context, project *models.Project) (JobLister, error) {
		if gh == nil || project == nil || project.GithubRepository == nil {
			return nil, nil
		}
		return gh.Repository(ctx, project.GithubRepository)
	}
}

// Finalizer finalizes a build.
type Finalizer interface {
	FinalizeBuild(ctx context.Context, build *models.Build, single bool) error
}

// Reconciler detects partial runs and completes their builds.
type Reconciler struct {
	db        *gorm.DB
	jobs      JobsFunc
	finalizer Finalizer
	queue     queue.Dispatcher
	timeout   time.Duration
}

// New returns a Reconciler. A zero timeout uses the default.
func New(db *gorm.DB, jobs JobsFunc, finalizer Finalizer, dispatcher queue.Dispatcher, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &Reconciler{db: db, jobs: jobs, finalizer: finalizer, queue: dispatcher, timeout: timeout}
}

// Params describes the CI run a build is being created for.
type Params struct {
	Project    *models.Project
	CIProvider string
	RunID      *string
	RunAttempt *int
}

// CheckIsPartialBuild reports whether the run is a re-run in which at least
// one job was carried over from the previous attempt. A missing run or a
// slow host yields false.
func (r *Reconciler) CheckIsPartialBuild(ctx context.Context, p Params) (bool, error) {
	if p.CIProvider != CIProviderGitHubActions || p.RunID == nil || p.RunAttempt == nil || *p.RunAttempt <= 1 {
		return false, nil
	}
	runID, err := strconv.ParseInt(*p.RunID, 10, 64)
	if err != nil {
		return false, nil
	}
	if r.jobs == nil {
		return false, nil
	}
	lister, err := r.jobs(ctx, p.Project)
	if err != nil {
		return false, fmt.Errorf("partial: job lister: %w", err)
	}
	if lister == nil {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		wg                sync.WaitGroup
		previous, current []gitprovider.Job
		prevErr, curErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		previous, prevErr = lister.ListJobsForRunAttempt(ctx, runID, *p.RunAttempt-1)
	}()
	go func() {
		defer wg.Done()
		current, curErr = lister.ListJobsForRunAttempt(ctx, runID, *p.RunAttempt)
	}()
	wg.Wait()

	for _, err := range []error{prevErr, curErr} {
		if err == nil {
			continue
		}
		if errors.Is(err, gitprovider.ErrNotFound) || errors.Is(err, context.DeadlineExceeded) {
			log.Printf("partial: run %d attempt %d: jobs unavailable: %v", runID, *p.RunAttempt, err)
			return false, nil
		}
		return false, fmt.Errorf("partial: list jobs of run %d: %w", runID, err)
	}
	return JobsIndicatePartial(previous, current), nil
}

// JobsIndicatePartial reports whether a job of the current attempt did not
// run again: same name, same start time and a successful previous result.
func JobsIndicatePartial(previous, current []gitprovider.Job) bool {
	for _, c := range current {
		if c.StartedAt == nil {
			continue
		}
		for _, p := range previous {
			if p.Name == c.Name && p.StartedAt != nil && p.StartedAt.Equal(*c.StartedAt) && p.Conclusion == "success" {
				return true
			}
		}
	}
	return false
}

// FinalizePartialBuilds completes every partial build of the run attempt
// with the shards uploaded by the most recent earlier attempt, finalizes it
// and queues it for processing. The first attempt is never partial.
func (r *Reconciler) FinalizePartialBuilds(ctx context.Context, runID string, runAttempt int) error {
	if runAttempt <= 1 {
		return nil
	}
	db := r.db.WithContext(ctx)

	var builds []models.Build
	if err := db.Where("run_id = ? AND run_attempt = ? AND partial = ? AND total_batch IS NOT NULL", runID, runAttempt, true).
		Find(&builds).Error; err != nil {
		return fmt.Errorf("partial: load builds of run %s attempt %d: %w", runID, runAttempt, err)
	}

	for i := range builds {
		build := &builds[i]
		if build.FinalizedAt != nil {
			continue
		}
		copied, err := r.copyMissingShards(ctx, build)
		if err != nil {
			return err
		}
		log.Printf("partial: build %s: copied %d shards from earlier attempt", build.ID, copied)

		if err := r.finalizer.FinalizeBuild(ctx, build, false); err != nil {
			return fmt.Errorf("partial: finalize build %s: %w", build.ID, err)
		}
		if err := r.queue.Push(ctx, queue.TypeBuild, build.ID); err != nil {
			return fmt.Errorf("partial: push build %s: %w", build.ID, err)
		}
	}
	return nil
}

// copyMissingShards duplicates the previous attempt's shards whose index the
// build lacks, with their screenshots moved into the build's compare bucket.
func (r *Reconciler) copyMissingShards(ctx context.Context, build *models.Build) (int, error) {
	copied := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var previous models.Build
		err := tx.Where("project_id = ? AND name = ? AND run_id = ? AND run_attempt < ?",
			build.ProjectID, build.Name, build.RunID, build.RunAttempt).
			Order("run_attempt DESC").Order("created_at DESC").First(&previous).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("partial: build %s: no earlier attempt found", build.ID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("partial: find earlier attempt of build %s: %w", build.ID, err)
		}

		var present []models.BuildShard
		if err := tx.Where("build_id = ?", build.ID).Find(&present).Error; err != nil {
			return fmt.Errorf("partial: load shards of build %s: %w", build.ID, err)
		}
		have := make(map[int]bool, len(present))
		for _, s := range present {
			if s.Index != nil {
				have[*s.Index] = true
			}
		}

		var earlier []models.BuildShard
		if err := tx.Where("build_id = ?", previous.ID).Order("shard_index").Find(&earlier).Error; err != nil {
			return fmt.Errorf("partial: load shards of build %s: %w", previous.ID, err)
		}
		for _, old := range earlier {
			if old.Index == nil || have[*old.Index] {
				continue
			}
			idx := *old.Index
			shard := &models.BuildShard{BuildID: build.ID, Index: &idx, Metadata: old.Metadata}
			if err := tx.Create(shard).Error; err != nil {
				return fmt.Errorf("partial: copy shard %d to build %s: %w", idx, build.ID, err)
			}

			var shots []models.Screenshot
			if err := tx.Where("build_shard_id = ?", old.ID).Find(&shots).Error; err != nil {
				return fmt.Errorf("partial: load screenshots of shard %s: %w", old.ID, err)
			}
			for j := range shots {
				shots[j].ID = ""
				shots[j].ScreenshotBucketID = build.CompareScreenshotBucketID
				shots[j].BuildShardID = &shard.ID
				shots[j].CreatedAt = time.Time{}
			}
			if len(shots) > 0 {
				if err := tx.CreateInBatches(shots, 100).Error; err != nil {
					return fmt.Errorf("partial: copy screenshots of shard %d: %w", idx, err)
				}
			}
			have[idx] = true
			copied++
		}

		if copied > 0 {
			if err := tx.Model(&models.Build{}).Where("id = ?", build.ID).
				Update("batch_count", gorm.Expr("batch_count + ?", copied)).Error; err != nil {
				return fmt.Errorf("partial: update batch count of build %s: %w", build.ID, err)
			}
			build.BatchCount += copied
		}
		return nil
	})
	return copied, err
}
