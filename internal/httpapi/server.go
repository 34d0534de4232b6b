// Package httpapi is the serve-mode control plane: a small gin API to
// inspect sync state and trigger or stop runs.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mjherich/gmail-to-sqlite/internal/store"
	"github.com/mjherich/gmail-to-sqlite/internal/syncer"
)

// Server exposes the sync manager over HTTP.
type Server struct {
	// baseCtx scopes triggered runs to the process, not the request.
	baseCtx context.Context
	manager *syncer.Manager
	store   *store.Store
	log     *zap.Logger
	engine  *gin.Engine
}

type syncRequest struct {
	Full bool `json:"full"`
}

// New builds the server and its routes.
func New(baseCtx context.Context, manager *syncer.Manager, st *store.Store, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		baseCtx: baseCtx,
		manager: manager,
		store:   st,
		log:     log,
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/status", s.status)
	s.engine.POST("/sync", s.triggerSync)
	s.engine.POST("/sync/stop", s.stopSync)
	return s
}

// Run blocks serving on addr.
func (s *Server) Run(addr string) error {
	s.log.Info("http api listening", zap.String("addr", addr))
	return s.engine.Run(addr)
}

// Handler returns the underlying handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) status(c *gin.Context) {
	cp, err := s.store.Checkpoint(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	count, err := s.store.CountMessages(c.Request.Context(), false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"running":         s.manager.IsRunning(),
		"cursor":          cp.Cursor,
		"last_run_status": cp.LastRunStatus,
		"messages":        count,
	}
	if !cp.LastFullSyncAt.IsZero() {
		resp["last_full_sync_at"] = cp.LastFullSyncAt
	}
	if last := s.manager.LastRun(); last != nil {
		resp["last_run"] = last
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) triggerSync(c *gin.Context) {
	// An absent or malformed body means an incremental run.
	var req syncRequest
	_ = c.ShouldBindJSON(&req)

	err := s.manager.Start(s.baseCtx, req.Full)
	if errors.Is(err, syncer.ErrAlreadyRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"full": req.Full})
}

func (s *Server) stopSync(c *gin.Context) {
	if !s.manager.Stop() {
		c.JSON(http.StatusConflict, gin.H{"error": "no sync running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"stopping": true})
}
