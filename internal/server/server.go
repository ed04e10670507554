// Package server exposes the draft review HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nhle/messaging-manager/internal/draft"
	"github.com/nhle/messaging-manager/internal/manager"
	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/store"
	appsync "github.com/nhle/messaging-manager/internal/sync"
)

// Backend is the part of manager.Manager the API drives.
type Backend interface {
	ListPendingDrafts(ctx context.Context) ([]model.DraftRecord, error)
	Draft(ctx context.Context, id string) (*model.DraftRecord, error)
	Approve(ctx context.Context, id, text string) manager.Result
	Ignore(ctx context.Context, id string) manager.Result
	RunPollCycle(ctx context.Context) (appsync.CycleReport, error)
	RunProcessCycle(ctx context.Context) (draft.CycleReport, error)
	SourceStatuses() []appsync.SyncStatus
}

// ApproveRequest is the body of an approve call.
type ApproveRequest struct {
	Response string `json:"response"`
}

// SourceStatus is the JSON form of a source's sync state.
type SourceStatus struct {
	ServiceName string    `json:"service_name"`
	State       string    `json:"state"`
	LastSync    time.Time `json:"last_sync,omitempty"`
	Error       string    `json:"error,omitempty"`
	Ingested    int       `json:"ingested"`
}

// Server serves the review API.
type Server struct {
	backend  Backend
	mediaDir string
	logger   *zap.Logger
	engine   *gin.Engine
}

// New creates a Server. Attachment files are served from mediaDir.
func New(backend Backend, mediaDir string, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		backend:  backend,
		mediaDir: mediaDir,
		logger:   logger,
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.logRequests)
	s.routes()
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("review server listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) routes() {
	r := s.engine

	r.GET("/draft_responses", s.listDrafts)
	r.GET("/draft_responses/:id", s.getDraft)
	r.POST("/draft_responses/:id/approve", s.approve)
	r.POST("/draft_responses/:id/ignore", s.ignore)

	r.GET("/media/*path", s.media)

	r.POST("/cycles/poll", s.poll)
	r.POST("/cycles/process", s.process)
	r.GET("/status", s.status)
}

func (s *Server) listDrafts(c *gin.Context) {
	drafts, err := s.backend.ListPendingDrafts(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	if drafts == nil {
		drafts = []model.DraftRecord{}
	}
	c.JSON(http.StatusOK, drafts)
}

func (s *Server) getDraft(c *gin.Context) {
	d, err := s.backend.Draft(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, manager.Result{Message: "draft not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) approve(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, manager.Result{Message: "invalid request body: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.backend.Approve(c.Request.Context(), c.Param("id"), req.Response))
}

func (s *Server) ignore(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Ignore(c.Request.Context(), c.Param("id")))
}

// media serves a file below the media directory.
func (s *Server) media(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	full := filepath.Join(s.mediaDir, filepath.FromSlash(rel))

	within, err := filepath.Rel(s.mediaDir, full)
	if err != nil || within == "." || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		c.Status(http.StatusNotFound)
		return
	}
	c.File(full)
}

func (s *Server) poll(c *gin.Context) {
	report, err := s.backend.RunPollCycle(c.Request.Context())
	if s.cycleError(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sources":  report.Sources,
		"failed":   report.Failed,
		"ingested": report.Ingested,
	})
}

func (s *Server) process(c *gin.Context) {
	report, err := s.backend.RunProcessCycle(c.Request.Context())
	if s.cycleError(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": report.Conversations,
		"created":       report.Created,
		"reused":        report.Reused,
		"failed":        report.Failed,
	})
}

func (s *Server) status(c *gin.Context) {
	statuses := s.backend.SourceStatuses()
	out := make([]SourceStatus, len(statuses))
	for i, st := range statuses {
		out[i] = SourceStatus{
			ServiceName: st.ServiceName,
			State:       st.State.String(),
			LastSync:    st.LastSync,
			Ingested:    st.Ingested,
		}
		if st.Error != nil {
			out[i].Error = st.Error.Error()
		}
	}
	c.JSON(http.StatusOK, gin.H{"sources": out})
}

func (s *Server) cycleError(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, manager.ErrCycleRunning):
		c.JSON(http.StatusConflict, manager.Result{Message: err.Error()})
	default:
		s.internalError(c, err)
	}
	return true
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, manager.Result{Message: "internal error"})
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("took", time.Since(start)),
	)
}
