// Package dashboard serves the local HTTP API: conversations, turn
// streams, proposals, exec output and the core-file cache.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/inkwell/internal/chat"
	"github.com/zulandar/inkwell/internal/execrun"
	"github.com/zulandar/inkwell/internal/filestore"
	"github.com/zulandar/inkwell/internal/proposal"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Engine    *chat.Engine
	Queue     *proposal.Queue  // optional
	Runner    *execrun.Runner  // optional
	Cache     *filestore.Cache // optional
	Workspace Workspace        // optional; serves /api/workspace
	LiveEdits *chat.LiveEdits  // optional
	Hub       *Hub             // optional; feeds GET /api/events
	Port      int
	Logger    *zap.Logger
	Out       io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Inkwell API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// NewRouter builds the gin router without starting a listener.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("dashboard: engine is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	registerRoutes(router, &handlers{
		engine: opts.Engine,
		queue:  opts.Queue,
		runner: opts.Runner,
		cache:  opts.Cache,
		files:  opts.Workspace,
		live:   opts.LiveEdits,
		hub:    opts.Hub,
		log:    opts.Logger,
	})
	return router, nil
}
