package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/argos-ci/argos-sub005/internal/apperr"
	"github.com/argos-ci/argos-sub005/internal/buildcreate"
	"github.com/argos-ci/argos-sub005/internal/conclude"
	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/argos-ci/argos-sub005/internal/queue"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func registerRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handleHealth(deps))

	router.POST("/projects/:projectId/builds", handleCreateBuild(deps))
	router.GET("/builds/:id", handleGetBuild(deps))
	router.POST("/builds/:id/finalize", handleFinalizeBuild(deps))
	router.POST("/builds/:id/conclude", handleConcludeBuild(deps))
	router.POST("/runs/:runId/attempts/:attempt/finalize", handleFinalizePartial(deps))
}

type createBuildRequest struct {
	Name            string                `json:"name"`
	Commit          string                `json:"commit" binding:"required"`
	Branch          string                `json:"branch" binding:"required"`
	PrNumber        *int                  `json:"prNumber"`
	PrHeadCommit    *string               `json:"prHeadCommit"`
	ReferenceCommit *string               `json:"referenceCommit"`
	ReferenceBranch *string               `json:"referenceBranch"`
	ParentCommits   []string              `json:"parentCommits"`
	ParallelNonce   string                `json:"parallelNonce"`
	ParallelTotal   *int                  `json:"parallelTotal"`
	ParallelIndex   *int                  `json:"parallelIndex"`
	Metadata        *models.BuildMetadata `json:"metadata"`
	CIProvider      string                `json:"ciProvider"`
	RunID           *string               `json:"runId"`
	RunAttempt      *int                  `json:"runAttempt"`
}

type buildResponse struct {
	ID         string             `json:"id"`
	Number     int                `json:"number"`
	Name       string             `json:"name"`
	Type       *string            `json:"type"`
	Conclusion *string            `json:"conclusion"`
	JobStatus  string             `json:"jobStatus"`
	Partial    bool               `json:"partial"`
	Stats      *models.BuildStats `json:"stats,omitempty"`
	ShardID    *string            `json:"shardId,omitempty"`
}

func toResponse(b *models.Build) buildResponse {
	r := buildResponse{
		ID:         b.ID,
		Number:     b.Number,
		Name:       b.Name,
		Type:       b.Type,
		Conclusion: b.Conclusion,
		JobStatus:  b.JobStatus,
		Partial:    b.Partial,
	}
	if b.Shard != nil {
		r.ShardID = &b.Shard.ID
	}
	if b.IsConcluded() {
		stats := b.Stats.Data()
		r.Stats = &stats
	}
	return r
}

// writeError renders user errors with their status and everything else as
// a 500.
func writeError(c *gin.Context, err error) {
	if ue, ok := apperr.AsUserError(err); ok {
		body := gin.H{"error": ue.Message}
		if ue.Hint != "" {
			body["hint"] = ue.Hint
		}
		c.JSON(ue.Status, body)
		return
	}
	log.Printf("api: %s %s: %v", c.Request.Method, c.FullPath(), err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func handleHealth(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := deps.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleCreateBuild(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createBuildRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		build, err := deps.Creator.Create(c.Request.Context(), buildcreate.Params{
			ProjectID:       c.Param("projectId"),
			Name:            req.Name,
			Commit:          req.Commit,
			Branch:          req.Branch,
			PrNumber:        req.PrNumber,
			PrHeadCommit:    req.PrHeadCommit,
			ReferenceCommit: req.ReferenceCommit,
			ReferenceBranch: req.ReferenceBranch,
			ParentCommits:   req.ParentCommits,
			ParallelNonce:   req.ParallelNonce,
			TotalBatch:      req.ParallelTotal,
			ShardIndex:      req.ParallelIndex,
			ShardMetadata:   req.Metadata,
			CIProvider:      req.CIProvider,
			RunID:           req.RunID,
			RunAttempt:      req.RunAttempt,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toResponse(build))
	}
}

// loadBuild writes a 404 and returns nil when the build does not exist.
func loadBuild(c *gin.Context, deps Deps) *models.Build {
	var build models.Build
	err := deps.DB.WithContext(c.Request.Context()).Where("id = ?", c.Param("id")).First(&build).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "build not found"})
		return nil
	}
	if err != nil {
		writeError(c, err)
		return nil
	}
	return &build
}

func handleGetBuild(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if build := loadBuild(c, deps); build != nil {
			c.JSON(http.StatusOK, toResponse(build))
		}
	}
}

type finalizeRequest struct {
	Single bool `json:"single"`
}

// handleFinalizeBuild closes the compare bucket and queues processing. A
// parallel build waits until every shard has been uploaded.
func handleFinalizeBuild(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req finalizeRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		build := loadBuild(c, deps)
		if build == nil {
			return
		}
		if !req.Single && build.TotalBatch != nil && build.BatchCount < *build.TotalBatch {
			c.JSON(http.StatusAccepted, toResponse(build))
			return
		}
		if err := deps.Finalizer.FinalizeBuild(c.Request.Context(), build, req.Single); err != nil {
			writeError(c, err)
			return
		}
		if err := deps.Queue.Push(c.Request.Context(), queue.TypeBuild, build.ID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toResponse(build))
	}
}

func handleConcludeBuild(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		build, err := deps.Concluder.ConcludeBuild(c.Request.Context(), c.Param("id"), conclude.Options{Notify: true})
		if apperr.IsUnretryable(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "build not found"})
			return
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toResponse(build))
	}
}

func handleFinalizePartial(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		attempt, err := strconv.Atoi(c.Param("attempt"))
		if err != nil || attempt < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attempt"})
			return
		}
		if err := deps.Partial.FinalizePartialBuilds(c.Request.Context(), c.Param("runId"), attempt); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
