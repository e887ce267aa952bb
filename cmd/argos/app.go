package main

import (
	"fmt"

	"github.com/argos-ci/argos-sub005/internal/automation"
	"github.com/argos-ci/argos-sub005/internal/baseline"
	"github.com/argos-ci/argos-sub005/internal/billing"
	"github.com/argos-ci/argos-sub005/internal/buildcreate"
	"github.com/argos-ci/argos-sub005/internal/conclude"
	"github.com/argos-ci/argos-sub005/internal/config"
	"github.com/argos-ci/argos-sub005/internal/db"
	"github.com/argos-ci/argos-sub005/internal/diffset"
	"github.com/argos-ci/argos-sub005/internal/finalize"
	"github.com/argos-ci/argos-sub005/internal/gitprovider"
	"github.com/argos-ci/argos-sub005/internal/lock"
	"github.com/argos-ci/argos-sub005/internal/notify"
	"github.com/argos-ci/argos-sub005/internal/partial"
	"github.com/argos-ci/argos-sub005/internal/pipeline"
	"github.com/argos-ci/argos-sub005/internal/queue"
	"github.com/argos-ci/argos-sub005/internal/review"
	"github.com/argos-ci/argos-sub005/internal/sweep"
	"github.com/argos-ci/argos-sub005/internal/worker"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// app holds the wired components.
type app struct {
	cfg *config.Config
	db  *gorm.DB

	queue      queue.Dispatcher
	resolver   *baseline.Resolver
	diffs      *diffset.Builder
	finalizer  *finalize.Finalizer
	partial    *partial.Reconciler
	creator    *buildcreate.Creator
	concluder  *conclude.Concluder
	reviewer   *review.Reviewer
	pipeline   *pipeline.Pipeline
	notifier   *notify.Notifier
	automation *automation.Engine
	sweeper    *sweep.Sweeper

	closers []func() error
}

// newApp wires the components over an open database.
func newApp(cfg *config.Config, gdb *gorm.DB, dispatcher queue.Dispatcher, locker lock.Locker) *app {
	github := gitprovider.NewGitHub(gitprovider.AppClientFunc(cfg.GitHub))
	providers := gitprovider.NewRegistry(github, gitprovider.NewGitLab(cfg.GitLab.BaseURL))
	failure := cfg.FailurePattern()
	managers := billing.AccountManagers(gdb)

	a := &app{cfg: cfg, db: gdb, queue: dispatcher}
	a.resolver = baseline.New(gdb, providers, cfg.Build.MergeBaseTimeout)
	a.diffs = diffset.New(gdb, a.resolver, failure)
	a.finalizer = finalize.New(gdb)
	a.partial = partial.New(gdb, partial.GitHubJobs(github), a.finalizer, dispatcher, cfg.Build.PartialCheckTimeout)
	a.creator = buildcreate.New(gdb, locker, dispatcher, managers, a.partial, cfg.Build.ProjectLockTimeout, cfg.Build.LockTimeout)
	a.automation = automation.New(gdb, dispatcher, notify.WebhookPoster{})
	a.concluder = conclude.New(gdb, locker, dispatcher, a.automation, failure, cfg.Build.LockTimeout)
	a.reviewer = review.New(gdb, dispatcher, a.automation, cfg.Build.ReviewDelay)
	a.pipeline = pipeline.New(gdb, a.diffs, a.concluder, dispatcher, managers)
	a.notifier = notify.New(gdb, notify.WebhookPoster{}, cfg.Slack.WebhookURL)
	a.sweeper = sweep.New(gdb, dispatcher)
	return a
}

// openApp loads the config and connects the database, Redis and the job
// queue.
func openApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	client := asynq.NewClient(worker.RedisOpt(cfg.Redis))

	a := newApp(cfg, gdb, queue.NewAsynq(client), lock.NewRedis(rdb, 0))
	a.closers = append(a.closers, client.Close, rdb.Close)
	return a, nil
}

func (a *app) handlers() worker.Handlers {
	return worker.Handlers{
		Pipeline:   a.pipeline,
		Concluder:  a.concluder,
		Reviewer:   a.reviewer,
		Notifier:   a.notifier,
		Automation: a.automation,
	}
}

func (a *app) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
	return first
}
