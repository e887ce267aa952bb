package diffset

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/argos-ci/argos-sub005/internal/dbtest"
	"github.com/argos-ci/argos-sub005/internal/models"
	"gorm.io/gorm"
)

// stubBase returns a fixed bucket and records the base branch like the
// real resolver does.
type stubBase struct {
	mu     sync.Mutex
	bucket *models.ScreenshotBucket
	branch string
	calls  int
}

func (s *stubBase) GetBaseScreenshotBucket(_ context.Context, build *models.Build) (*models.ScreenshotBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	branch := s.branch
	build.BaseBranch = &branch
	return s.bucket, nil
}

var failurePattern = regexp.MustCompile(` \(failed\)$`)

type fixture struct {
	db      *gorm.DB
	project *models.Project
	base    *stubBase
	b       *Builder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gdb := dbtest.Open(t)
	base := &stubBase{branch: "main"}
	return &fixture{
		db:      gdb,
		project: dbtest.Project(t, gdb),
		base:    base,
		b:       New(gdb, base, failurePattern),
	}
}

func byCompareName(t *testing.T, gdb *gorm.DB, diffs []models.ScreenshotDiff) map[string]models.ScreenshotDiff {
	t.Helper()
	out := make(map[string]models.ScreenshotDiff)
	for _, d := range diffs {
		id := d.CompareScreenshotID
		if id == nil {
			id = d.BaseScreenshotID
		}
		var s models.Screenshot
		if err := gdb.Where("id = ?", *id).First(&s).Error; err != nil {
			t.Fatalf("load screenshot: %v", err)
		}
		out[s.Name] = d
	}
	return out
}

func TestCreateBuildDiffs_OrphanBuild(t *testing.T) {
	f := setup(t)
	compare := dbtest.Bucket(t, f.db, f.project.ID, "c1", "feature")
	dbtest.Screenshot(t, f.db, compare.ID, "a", dbtest.File(t, f.db, true))
	dbtest.Screenshot(t, f.db, compare.ID, "b", dbtest.File(t, f.db, true))
	dbtest.Screenshot(t, f.db, compare.ID, "c", dbtest.File(t, f.db, false))
	build := dbtest.Build(t, f.db, f.project.ID, compare)

	diffs, err := f.b.CreateBuildDiffs(context.Background(), build)
	if err != nil {
		t.Fatalf("CreateBuildDiffs: %v", err)
	}
	if len(diffs) != 3 {
		t.Fatalf("len(diffs) = %d, want 3", len(diffs))
	}
	got := byCompareName(t, f.db, diffs)
	if got["a"].JobStatus != models.JobComplete || got["b"].JobStatus != models.JobComplete {
		t.Errorf("additions with dimensions should be complete: a=%s b=%s", got["a"].JobStatus, got["b"].JobStatus)
	}
	if got["c"].JobStatus != models.JobPending {
		t.Errorf("addition without dimensions = %s, want pending", got["c"].JobStatus)
	}
	for name, d := range got {
		if d.BaseScreenshotID != nil {
			t.Errorf("diff %s has a base screenshot", name)
		}
	}
	stored := dbtest.Reload(t, f.db, build.ID)
	if stored.Type == nil || *stored.Type != models.BuildTypeOrphan {
		t.Errorf("Type = %v, want orphan", stored.Type)
	}
}

func TestCreateBuildDiffs_CheckBuildPairs(t *testing.T) {
	f := setup(t)
	base := dbtest.Bucket(t, f.db, f.project.ID, "b1", "main")
	compare := dbtest.Bucket(t, f.db, f.project.ID, "c1", "feature")
	f.base.bucket = base

	same := dbtest.File(t, f.db, true)
	dbtest.Screenshot(t, f.db, base.ID, "same", same)
	dbtest.Screenshot(t, f.db, compare.ID, "same", same)

	dbtest.Screenshot(t, f.db, base.ID, "changed", dbtest.File(t, f.db, true))
	dbtest.Screenshot(t, f.db, compare.ID, "changed", dbtest.File(t, f.db, true))

	dbtest.Screenshot(t, f.db, base.ID, "old-name", dbtest.File(t, f.db, true))
	dbtest.Screenshot(t, f.db, compare.ID, "new-name", dbtest.File(t, f.db, true), func(s *models.Screenshot) {
		s.BaseName = dbtest.Ptr("old-name")
	})

	dbtest.Screenshot(t, f.db, base.ID, "removed", dbtest.File(t, f.db, true))
	dbtest.Screenshot(t, f.db, base.ID, "crash (failed)", dbtest.File(t, f.db, true))
	build := dbtest.Build(t, f.db, f.project.ID, compare)

	diffs, err := f.b.CreateBuildDiffs(context.Background(), build)
	if err != nil {
		t.Fatalf("CreateBuildDiffs: %v", err)
	}
	got := byCompareName(t, f.db, diffs)
	if len(got) != 4 {
		t.Fatalf("diffs = %d (%v), want 4", len(got), got)
	}

	if d := got["same"]; d.JobStatus != models.JobComplete || d.Score == nil || *d.Score != 0 {
		t.Errorf("identical pair: status=%s score=%v, want complete/0", d.JobStatus, d.Score)
	}
	if d := got["changed"]; d.JobStatus != models.JobPending || d.BaseScreenshotID == nil {
		t.Errorf("changed pair: status=%s base=%v, want pending with base", d.JobStatus, d.BaseScreenshotID)
	}
	if d := got["new-name"]; d.BaseScreenshotID == nil {
		t.Error("baseName alias should match old-name")
	}
	if d := got["removed"]; d.CompareScreenshotID != nil || d.JobStatus != models.JobComplete || d.Score != nil {
		t.Errorf("removed: compare=%v status=%s score=%v", d.CompareScreenshotID, d.JobStatus, d.Score)
	}
	if _, ok := got["crash (failed)"]; ok {
		t.Error("failure screenshots must never be reported as removed")
	}
	if _, ok := got["old-name"]; ok {
		t.Error("aliased base screenshot must not be reported as removed")
	}

	stored := dbtest.Reload(t, f.db, build.ID)
	if stored.Type == nil || *stored.Type != models.BuildTypeCheck {
		t.Errorf("Type = %v, want check", stored.Type)
	}
}

func TestCreateBuildDiffs_FailureScreenshotNeverCompared(t *testing.T) {
	f := setup(t)
	base := dbtest.Bucket(t, f.db, f.project.ID, "b1", "main")
	compare := dbtest.Bucket(t, f.db, f.project.ID, "c1", "feature")
	f.base.bucket = base
	dbtest.Screenshot(t, f.db, base.ID, "login (failed)", dbtest.File(t, f.db, true))
	dbtest.Screenshot(t, f.db, compare.ID, "login (failed)", dbtest.File(t, f.db, true))
	build := dbtest.Build(t, f.db, f.project.ID, compare)

	diffs, err := f.b.CreateBuildDiffs(context.Background(), build)
	if err != nil {
		t.Fatalf("CreateBuildDiffs: %v", err)
	}
	if len(diffs) != 1 {
		t.Fatalf("len(diffs) = %d, want 1", len(diffs))
	}
	if diffs[0].BaseScreenshotID != nil {
		t.Error("failure screenshot should not be paired with history")
	}
}

func TestCreateBuildDiffs_ReferenceBuild(t *testing.T) {
	f := setup(t)
	base := dbtest.Bucket(t, f.db, f.project.ID, "b1", "main")
	compare := dbtest.Bucket(t, f.db, f.project.ID, "c1", "main")
	f.base.bucket = base
	build := dbtest.Build(t, f.db, f.project.ID, compare)

	diffs, err := f.b.CreateBuildDiffs(context.Background(), build)
	if err != nil {
		t.Fatalf("CreateBuildDiffs: %v", err)
	}
	if len(diffs) != 0 {
		t.Errorf("len(diffs) = %d, want 0", len(diffs))
	}
	stored := dbtest.Reload(t, f.db, build.ID)
	if stored.Type == nil || *stored.Type != models.BuildTypeReference {
		t.Errorf("Type = %v, want reference", stored.Type)
	}
}

func TestCreateBuildDiffs_SelfComparison(t *testing.T) {
	f := setup(t)
	compare := dbtest.Bucket(t, f.db, f.project.ID, "c1", "feature")
	f.base.bucket = compare
	dbtest.Screenshot(t, f.db, compare.ID, "a", dbtest.File(t, f.db, true))
	dbtest.Screenshot(t, f.db, compare.ID, "b", dbtest.File(t, f.db, false))
	build := dbtest.Build(t, f.db, f.project.ID, compare)

	diffs, err := f.b.CreateBuildDiffs(context.Background(), build)
	if err != nil {
		t.Fatalf("CreateBuildDiffs: %v", err)
	}
	if len(diffs) != 2 {
		t.Fatalf("len(diffs) = %d, want 2", len(diffs))
	}
	for _, d := range diffs {
		if d.BaseScreenshotID != nil {
			t.Error("self comparison must not reference a base screenshot")
		}
		if d.CompareScreenshotID == nil {
			t.Error("self comparison must not report removals")
		}
	}
}

func TestCreateBuildDiffs_Idempotent(t *testing.T) {
	f := setup(t)
	base := dbtest.Bucket(t, f.db, f.project.ID, "b1", "main")
	compare := dbtest.Bucket(t, f.db, f.project.ID, "c1", "feature")
	f.base.bucket = base
	dbtest.Screenshot(t, f.db, base.ID, "a", dbtest.File(t, f.db, true))
	dbtest.Screenshot(t, f.db, compare.ID, "a", dbtest.File(t, f.db, true))
	dbtest.Screenshot(t, f.db, compare.ID, "b", dbtest.File(t, f.db, true))
	build := dbtest.Build(t, f.db, f.project.ID, compare)

	first, err := f.b.CreateBuildDiffs(context.Background(), build)
	if err != nil {
		t.Fatalf("first CreateBuildDiffs: %v", err)
	}
	second, err := f.b.CreateBuildDiffs(context.Background(), dbtest.Reload(t, f.db, build.ID))
	if err != nil {
		t.Fatalf("second CreateBuildDiffs: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("second call returned %d diffs, want %d", len(second), len(first))
	}
	ids := make(map[string]bool)
	for _, d := range first {
		ids[d.ID] = true
	}
	for _, d := range second {
		if !ids[d.ID] {
			t.Errorf("second call returned unknown diff %s", d.ID)
		}
	}
	var count int64
	f.db.Model(&models.ScreenshotDiff{}).Where("build_id = ?", build.ID).Count(&count)
	if count != int64(len(first)) {
		t.Errorf("stored diffs = %d, want %d", count, len(first))
	}
	if f.base.calls != 1 {
		t.Errorf("base resolved %d times, want 1", f.base.calls)
	}
}

func TestCreateBuildDiffs_StaleCopyDoesNotDuplicate(t *testing.T) {
	f := setup(t)
	compare := dbtest.Bucket(t, f.db, f.project.ID, "c1", "feature")
	dbtest.Screenshot(t, f.db, compare.ID, "a", dbtest.File(t, f.db, true))
	build := dbtest.Build(t, f.db, f.project.ID, compare)
	stale := *build

	if _, err := f.b.CreateBuildDiffs(context.Background(), build); err != nil {
		t.Fatalf("first CreateBuildDiffs: %v", err)
	}
	diffs, err := f.b.CreateBuildDiffs(context.Background(), &stale)
	if err != nil {
		t.Fatalf("stale CreateBuildDiffs: %v", err)
	}
	if len(diffs) != 1 {
		t.Errorf("len(diffs) = %d, want 1", len(diffs))
	}
	var count int64
	f.db.Model(&models.ScreenshotDiff{}).Where("build_id = ?", build.ID).Count(&count)
	if count != 1 {
		t.Errorf("stored diffs = %d, want 1", count)
	}
}

func TestClassify(t *testing.T) {
	main := "main"
	bucket := &models.ScreenshotBucket{}
	tests := []struct {
		name   string
		branch string
		base   *models.ScreenshotBucket
		want   string
	}{
		{"reference branch", "main", bucket, models.BuildTypeReference},
		{"no base", "feature", nil, models.BuildTypeOrphan},
		{"check", "feature", bucket, models.BuildTypeCheck},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(&models.Build{BaseBranch: &main}, &models.ScreenshotBucket{Branch: tt.branch}, tt.base)
			if got != tt.want {
				t.Errorf("classify() = %q, want %q", got, tt.want)
			}
		})
	}
}
