// Package buildcreate accepts new builds: it checks billing, links pull
// requests and persists the compare bucket with its build.
package buildcreate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/argos-ci/argos-sub005/internal/apperr"
	"github.com/argos-ci/argos-sub005/internal/billing"
	"github.com/argos-ci/argos-sub005/internal/lock"
	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/argos-ci/argos-sub005/internal/partial"
	"github.com/argos-ci/argos-sub005/internal/queue"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultProjectLockTimeout = 40 * time.Second

// User-facing billing messages.
const (
	MsgPlanRequired     = "Build rejected: a paid plan is required for team projects."
	MsgTrialExhausted   = "Build rejected: the trial screenshot limit has been reached. Subscribe to a plan to continue."
	MsgFlatRateExceeded = "Build rejected: the plan screenshot limit has been reached. Upgrade the plan to continue."
)

// PartialChecker detects partial CI re-runs.
type PartialChecker interface {
	CheckIsPartialBuild(ctx context.Context, p partial.Params) (bool, error)
}

// Params describes a build upload.
type Params struct {
	ProjectID       string
	Name            string
	Commit          string
	Branch          string
	PrNumber        *int
	PrHeadCommit    *string
	ReferenceCommit *string
	ReferenceBranch *string
	ParentCommits   []string
	// ParallelNonce groups the shards of one parallel upload into a single
	// build.
	ParallelNonce string
	TotalBatch    *int
	// ShardIndex identifies the uploaded batch within a sharded build. When
	// unset the batch takes the next free position.
	ShardIndex    *int
	ShardMetadata *models.BuildMetadata
	CIProvider    string
	RunID         *string
	RunAttempt    *int
}

// Creator creates builds.
type Creator struct {
	db                 *gorm.DB
	locker             lock.Locker
	queue              queue.Dispatcher
	billing            billing.ManagerFunc
	partial            PartialChecker
	projectLockTimeout time.Duration
	lockTimeout        time.Duration
}

// New returns a Creator. managers and partial may be nil.
func New(db *gorm.DB, locker lock.Locker, dispatcher queue.Dispatcher, managers billing.ManagerFunc, partial PartialChecker, projectLockTimeout, lockTimeout time.Duration) *Creator {
	if projectLockTimeout <= 0 {
		projectLockTimeout = defaultProjectLockTimeout
	}
	return &Creator{
		db:                 db,
		locker:             locker,
		queue:              dispatcher,
		billing:            managers,
		partial:            partial,
		projectLockTimeout: projectLockTimeout,
		lockTimeout:        lockTimeout,
	}
}

// Create accepts a build upload. Billing violations are returned as
// *apperr.UserError before anything is written. Uploads sharing a parallel
// nonce join the same open build.
func (c *Creator) Create(ctx context.Context, p Params) (*models.Build, error) {
	if p.Name == "" {
		p.Name = "default"
	}
	var project models.Project
	if err := c.db.WithContext(ctx).Preload("Account").Preload("GithubRepository.Installation").
		Where("id = ?", p.ProjectID).First(&project).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &apperr.UserError{Status: http.StatusNotFound, Message: "Project not found", Err: err}
		}
		return nil, fmt.Errorf("buildcreate: load project %s: %w", p.ProjectID, err)
	}

	if err := c.checkBilling(ctx, &project); err != nil {
		return nil, err
	}

	prID, err := c.pullRequest(ctx, &project, p.PrNumber)
	if err != nil {
		return nil, err
	}

	isPartial := false
	if c.partial != nil {
		isPartial, err = c.partial.CheckIsPartialBuild(ctx, partial.Params{
			Project:    &project,
			CIProvider: p.CIProvider,
			RunID:      p.RunID,
			RunAttempt: p.RunAttempt,
		})
		if err != nil {
			return nil, fmt.Errorf("buildcreate: partial check: %w", err)
		}
	}

	var (
		build  *models.Build
		joined bool
	)
	err = c.locker.WithLock(ctx, []string{"create-build", project.ID}, c.projectLockTimeout, func(ctx context.Context) error {
		var err error
		build, joined, err = c.insert(ctx, &project, p, prID, isPartial)
		return err
	})
	if err != nil {
		return nil, err
	}
	if joined {
		return build, nil
	}
	log.Printf("buildcreate: project %s: build %s #%d created", project.ID, build.ID, build.Number)

	n := &models.BuildNotification{BuildID: build.ID, Type: models.NotificationQueued, JobStatus: models.JobPending}
	if err := c.db.WithContext(ctx).Create(n).Error; err != nil {
		log.Printf("buildcreate: build %s: create queued notification: %v", build.ID, err)
	} else if err := c.queue.Push(ctx, queue.TypeNotification, n.ID); err != nil {
		log.Printf("buildcreate: build %s: push queued notification: %v", build.ID, err)
	}
	return build, nil
}

// checkBilling runs the plan, capacity and spend-limit checks concurrently
// and returns the first violation.
func (c *Creator) checkBilling(ctx context.Context, project *models.Project) error {
	if c.billing == nil {
		return nil
	}
	m, err := c.billing(ctx, project.AccountID)
	if err != nil {
		return fmt.Errorf("buildcreate: billing: %w", err)
	}

	var (
		wg       sync.WaitGroup
		plan     *billing.Plan
		capacity string
		spend    *billing.SpendLimit
		errs     [3]error
	)
	wg.Add(3)
	go func() { defer wg.Done(); plan, errs[0] = m.GetPlan(ctx) }()
	go func() { defer wg.Done(); capacity, errs[1] = m.CheckIsOutOfCapacity(ctx) }()
	go func() { defer wg.Done(); spend, errs[2] = m.CheckSpendLimit(ctx) }()
	wg.Wait()
	if err := errors.Join(errs[:]...); err != nil {
		return fmt.Errorf("buildcreate: billing checks: %w", err)
	}

	if plan == nil && project.Account != nil && project.Account.Type == "team" {
		return apperr.PaymentRequired(MsgPlanRequired)
	}
	switch capacity {
	case billing.OutOfCapacityTrialing:
		return apperr.PaymentRequired(MsgTrialExhausted)
	case billing.OutOfCapacityFlatRate:
		return apperr.PaymentRequired(MsgFlatRateExceeded)
	}
	if spend != nil {
		return apperr.PaymentRequired(billing.SpendLimitMessage(spend))
	}
	return nil
}

// pullRequest returns the id of the pull request row, creating it under the
// per-pull-request lock. New rows are queued for synchronization.
func (c *Creator) pullRequest(ctx context.Context, project *models.Project, number *int) (*string, error) {
	if number == nil || project.GithubRepositoryID == nil {
		return nil, nil
	}
	repoID := *project.GithubRepositoryID
	var (
		pr      models.PullRequest
		created bool
	)
	key := []string{"pull-request", repoID, fmt.Sprint(*number)}
	err := c.locker.WithLock(ctx, key, c.lockTimeout, func(ctx context.Context) error {
		db := c.db.WithContext(ctx)
		err := db.Where("github_repository_id = ? AND number = ?", repoID, *number).First(&pr).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("buildcreate: load pull request %s#%d: %w", repoID, *number, err)
		}
		pr = models.PullRequest{GithubRepositoryID: repoID, Number: *number, JobStatus: models.JobPending}
		if err := db.Create(&pr).Error; err != nil {
			return fmt.Errorf("buildcreate: create pull request %s#%d: %w", repoID, *number, err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		if err := c.queue.Push(ctx, queue.TypePullRequest, pr.ID); err != nil {
			log.Printf("buildcreate: push pull request %s: %v", pr.ID, err)
		}
	}
	return &pr.ID, nil
}

// insert writes the compare bucket and the build in one transaction, or
// joins the open build of the same parallel upload.
func (c *Creator) insert(ctx context.Context, project *models.Project, p Params, prID *string, isPartial bool) (*models.Build, bool, error) {
	var (
		build  models.Build
		joined bool
	)
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.ParallelNonce != "" {
			err := tx.Where("project_id = ? AND name = ? AND external_id = ? AND finalized_at IS NULL", project.ID, p.Name, p.ParallelNonce).
				First(&build).Error
			if err == nil {
				joined = true
				position := build.BatchCount
				if err := tx.Model(&models.Build{}).Where("id = ?", build.ID).
					Update("batch_count", gorm.Expr("batch_count + 1")).Error; err != nil {
					return fmt.Errorf("buildcreate: join build %s: %w", build.ID, err)
				}
				build.BatchCount++
				return recordShard(tx, &build, p, position)
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("buildcreate: find parallel build: %w", err)
			}
		}

		bucket := &models.ScreenshotBucket{
			ProjectID: project.ID,
			Name:      p.Name,
			Commit:    p.Commit,
			Branch:    p.Branch,
			Complete:  false,
			Valid:     true,
		}
		if err := tx.Create(bucket).Error; err != nil {
			return fmt.Errorf("buildcreate: create bucket: %w", err)
		}

		var last struct{ Max int }
		if err := tx.Model(&models.Build{}).Select("COALESCE(MAX(number), 0) AS max").
			Where("project_id = ?", project.ID).Scan(&last).Error; err != nil {
			return fmt.Errorf("buildcreate: next build number: %w", err)
		}

		build = models.Build{
			ProjectID:                 project.ID,
			Number:                    last.Max + 1,
			Name:                      p.Name,
			CompareScreenshotBucketID: bucket.ID,
			JobStatus:                 models.JobPending,
			ExternalID:                p.ParallelNonce,
			Partial:                   isPartial,
			RunID:                     p.RunID,
			RunAttempt:                p.RunAttempt,
			TotalBatch:                p.TotalBatch,
			BatchCount:                1,
			CIProvider:                p.CIProvider,
			PrNumber:                  p.PrNumber,
			PrHeadCommit:              p.PrHeadCommit,
			PullRequestID:             prID,
			ParentCommits:             datatypes.NewJSONType(p.ParentCommits),
			ReferenceBranch:           p.ReferenceBranch,
			ReferenceCommit:           p.ReferenceCommit,
		}
		if err := tx.Create(&build).Error; err != nil {
			return fmt.Errorf("buildcreate: create build: %w", err)
		}
		build.CompareScreenshotBucket = bucket
		return recordShard(tx, &build, p, 0)
	})
	if err != nil {
		return nil, false, err
	}
	return &build, joined, nil
}

// recordShard stores the shard row of a sharded upload. Partial build
// reconciliation relies on these rows to tell uploaded shards from missing
// ones.
func recordShard(tx *gorm.DB, build *models.Build, p Params, position int) error {
	if p.TotalBatch == nil && p.ShardIndex == nil {
		return nil
	}
	index := position
	if p.ShardIndex != nil {
		index = *p.ShardIndex
	}
	shard := &models.BuildShard{BuildID: build.ID, Index: &index}
	if p.ShardMetadata != nil {
		shard.Metadata = datatypes.NewJSONType(*p.ShardMetadata)
	}
	if err := tx.Create(shard).Error; err != nil {
		return fmt.Errorf("buildcreate: record shard %d of build %s: %w", index, build.ID, err)
	}
	build.Shard = shard
	return nil
}
