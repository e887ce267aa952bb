// Package api is the HTTP ingress of the build lifecycle.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/argos-ci/argos-sub005/internal/buildcreate"
	"github.com/argos-ci/argos-sub005/internal/conclude"
	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/argos-ci/argos-sub005/internal/queue"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps are the components behind the routes.
type Deps struct {
	DB      *gorm.DB
	Queue   queue.Dispatcher
	Creator interface {
		Create(ctx context.Context, p buildcreate.Params) (*models.Build, error)
	}
	Finalizer interface {
		FinalizeBuild(ctx context.Context, build *models.Build, single bool) error
	}
	Partial interface {
		FinalizePartialBuilds(ctx context.Context, runID string, runAttempt int) error
	}
	Concluder interface {
		ConcludeBuild(ctx context.Context, buildID string, opts conclude.Options) (*models.Build, error)
	}
}

// StartOpts holds configuration for the server.
type StartOpts struct {
	Deps Deps
	Port int
	Out  io.Writer
}

// NewRouter returns the router serving deps.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, deps)
	return router
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Deps.DB == nil {
		return fmt.Errorf("api: db is required")
	}
	if opts.Port <= 0 {
		opts.Port = 3000
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: NewRouter(opts.Deps),
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
