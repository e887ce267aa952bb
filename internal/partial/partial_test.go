package partial

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/argos-ci/argos-sub005/internal/dbtest"
	"github.com/argos-ci/argos-sub005/internal/finalize"
	"github.com/argos-ci/argos-sub005/internal/gitprovider"
	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/argos-ci/argos-sub005/internal/queue"
	"gorm.io/datatypes"
)

type fakeLister struct {
	jobs  map[int][]gitprovider.Job
	err   error
	delay time.Duration
}

func (f *fakeLister) ListJobsForRunAttempt(ctx context.Context, _ int64, attempt int) ([]gitprovider.Job, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.jobs[attempt], nil
}

func listerFunc(l JobLister) JobsFunc {
	return func(context.Context, *models.Project) (JobLister, error) { return l, nil }
}

func params(attempt int) Params {
	return Params{
		Project:    &models.Project{},
		CIProvider: CIProviderGitHubActions,
		RunID:      dbtest.Ptr("42"),
		RunAttempt: &attempt,
	}
}

var started = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestCheckIsPartialBuild(t *testing.T) {
	later := started.Add(5 * time.Minute)
	tests := []struct {
		name   string
		lister *fakeLister
		want   bool
	}{
		{"reused successful job", &fakeLister{jobs: map[int][]gitprovider.Job{
			1: {{Name: "e2e", StartedAt: &started, Conclusion: "success"}},
			2: {{Name: "e2e", StartedAt: &started, Conclusion: "success"}},
		}}, true},
		{"job ran again", &fakeLister{jobs: map[int][]gitprovider.Job{
			1: {{Name: "e2e", StartedAt: &started, Conclusion: "failure"}},
			2: {{Name: "e2e", StartedAt: &later}},
		}}, false},
		{"previous failure", &fakeLister{jobs: map[int][]gitprovider.Job{
			1: {{Name: "e2e", StartedAt: &started, Conclusion: "failure"}},
			2: {{Name: "e2e", StartedAt: &started, Conclusion: "failure"}},
		}}, false},
		{"not found", &fakeLister{err: gitprovider.ErrNotFound}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil, listerFunc(tt.lister), nil, nil, time.Second)
			got, err := r.CheckIsPartialBuild(context.Background(), params(2))
			if err != nil {
				t.Fatalf("CheckIsPartialBuild: %v", err)
			}
			if got != tt.want {
				t.Errorf("CheckIsPartialBuild() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckIsPartialBuild_Timeout(t *testing.T) {
	r := New(nil, listerFunc(&fakeLister{delay: time.Second}), nil, nil, 20*time.Millisecond)
	got, err := r.CheckIsPartialBuild(context.Background(), params(2))
	if err != nil {
		t.Fatalf("CheckIsPartialBuild: %v", err)
	}
	if got {
		t.Error("timed out check should not be partial")
	}
}

func TestCheckIsPartialBuild_HostError(t *testing.T) {
	r := New(nil, listerFunc(&fakeLister{err: errors.New("502 bad gateway")}), nil, nil, time.Second)
	if _, err := r.CheckIsPartialBuild(context.Background(), params(2)); err == nil {
		t.Error("expected host failure to propagate")
	}
}

func TestCheckIsPartialBuild_Ineligible(t *testing.T) {
	called := false
	jobs := func(context.Context, *models.Project) (JobLister, error) {
		called = true
		return &fakeLister{}, nil
	}
	r := New(nil, jobs, nil, nil, time.Second)

	first := params(1)
	other := params(2)
	other.CIProvider = "circleci"
	noAttempt := params(2)
	noAttempt.RunAttempt = nil

	for _, p := range []Params{first, other, noAttempt} {
		got, err := r.CheckIsPartialBuild(context.Background(), p)
		if err != nil || got {
			t.Errorf("CheckIsPartialBuild(%+v) = %v, %v; want false, nil", p, got, err)
		}
	}
	if called {
		t.Error("ineligible runs must not query the CI host")
	}
}

func TestFinalizePartialBuilds(t *testing.T) {
	gdb := dbtest.Open(t)
	project := dbtest.Project(t, gdb)
	rec := &queue.Recorder{}
	r := New(gdb, nil, finalize.New(gdb), rec, time.Second)

	run := dbtest.Ptr("42")
	passed := datatypes.NewJSONType(models.BuildMetadata{TestReport: &models.TestReport{Status: "passed"}})

	oldBucket := dbtest.Bucket(t, gdb, project.ID, "c1", "feature")
	old := dbtest.Build(t, gdb, project.ID, oldBucket, func(b *models.Build) {
		b.RunID, b.RunAttempt, b.TotalBatch = run, dbtest.Ptr(1), dbtest.Ptr(2)
	})
	oldShards := []*models.BuildShard{
		{BuildID: old.ID, Index: dbtest.Ptr(0), Metadata: passed},
		{BuildID: old.ID, Index: dbtest.Ptr(1), Metadata: passed},
	}
	dbtest.Create(t, gdb, oldShards[0], oldShards[1])
	dbtest.Screenshot(t, gdb, oldBucket.ID, "shard0", dbtest.File(t, gdb, true), func(s *models.Screenshot) { s.BuildShardID = &oldShards[0].ID })
	dbtest.Screenshot(t, gdb, oldBucket.ID, "shard1-a", dbtest.File(t, gdb, true), func(s *models.Screenshot) { s.BuildShardID = &oldShards[1].ID })
	dbtest.Screenshot(t, gdb, oldBucket.ID, "shard1-b", dbtest.File(t, gdb, true), func(s *models.Screenshot) { s.BuildShardID = &oldShards[1].ID })

	newBucket := dbtest.Bucket(t, gdb, project.ID, "c1", "feature", func(b *models.ScreenshotBucket) { b.Complete = false })
	current := dbtest.Build(t, gdb, project.ID, newBucket, func(b *models.Build) {
		b.RunID, b.RunAttempt, b.TotalBatch, b.Partial, b.BatchCount = run, dbtest.Ptr(2), dbtest.Ptr(2), true, 1
	})
	shard := &models.BuildShard{BuildID: current.ID, Index: dbtest.Ptr(0), Metadata: passed}
	dbtest.Create(t, gdb, shard)
	dbtest.Screenshot(t, gdb, newBucket.ID, "shard0", dbtest.File(t, gdb, true), func(s *models.Screenshot) { s.BuildShardID = &shard.ID })

	if err := r.FinalizePartialBuilds(context.Background(), "42", 2); err != nil {
		t.Fatalf("FinalizePartialBuilds: %v", err)
	}

	var shards int64
	gdb.Model(&models.BuildShard{}).Where("build_id = ?", current.ID).Count(&shards)
	if shards != 2 {
		t.Errorf("shards = %d, want 2", shards)
	}
	var bucket models.ScreenshotBucket
	gdb.Where("id = ?", newBucket.ID).First(&bucket)
	if !bucket.Complete || bucket.ScreenshotCount == nil || *bucket.ScreenshotCount != 3 {
		t.Errorf("bucket complete=%v count=%v, want complete with 3 screenshots", bucket.Complete, bucket.ScreenshotCount)
	}
	stored := dbtest.Reload(t, gdb, current.ID)
	if stored.FinalizedAt == nil {
		t.Error("build should be finalized")
	}
	if stored.BatchCount != 2 {
		t.Errorf("BatchCount = %d, want 2", stored.BatchCount)
	}
	if got := rec.OfType(queue.TypeBuild); len(got) != 1 || got[0] != current.ID {
		t.Errorf("pushed builds = %v, want [%s]", got, current.ID)
	}
	var oldCount int64
	gdb.Model(&models.Screenshot{}).Where("screenshot_bucket_id = ?", oldBucket.ID).Count(&oldCount)
	if oldCount != 3 {
		t.Errorf("earlier bucket screenshots = %d, want 3 untouched", oldCount)
	}

	// A second call finds the build finalized.
	if err := r.FinalizePartialBuilds(context.Background(), "42", 2); err != nil {
		t.Fatalf("second FinalizePartialBuilds: %v", err)
	}
	if got := rec.OfType(queue.TypeBuild); len(got) != 1 {
		t.Errorf("pushed builds after retry = %d, want 1", len(got))
	}
}

func TestFinalizePartialBuilds_FirstAttempt(t *testing.T) {
	r := New(nil, nil, nil, nil, 0)
	if err := r.FinalizePartialBuilds(context.Background(), "42", 1); err != nil {
		t.Errorf("FinalizePartialBuilds(attempt 1) = %v, want nil", err)
	}
}
