// Package api exposes the analysis orchestrator over HTTP: REST verbs
// for session control and a websocket channel for live progress. The
// API layer owns its own read cache; write coherence with the
// orchestrator's cache comes from the repository's observer hook.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"mise/internal/analysis"
	"mise/internal/logging"
	"mise/internal/store"
)

// Server wires the HTTP surface to the pipeline.
type Server struct {
	pipeline  *analysis.Pipeline
	cache     *store.Cache
	repo      store.Repository
	heartbeat time.Duration
}

// NewServer builds the API server. cache must be the API layer's own
// cache, not the orchestrator's.
func NewServer(pipeline *analysis.Pipeline, cache *store.Cache, repo store.Repository, heartbeat time.Duration) *Server {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Server{
		pipeline:  pipeline,
		cache:     cache,
		repo:      repo,
		heartbeat: heartbeat,
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.POST("/sessions", s.createSession)
		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/:id", s.getStatus)
		api.GET("/sessions/:id/export", s.exportSession)
		api.GET("/sessions/:id/thoughts", s.getThoughts)
		api.POST("/sessions/:id/resume", s.resumeSession)
		api.POST("/sessions/:id/cancel", s.cancelSession)
		api.PATCH("/sessions/:id/flags", s.patchFlags)
		api.GET("/sessions/:id/live", s.live)
	}

	return r
}

// POST /api/sessions
func (s *Server) createSession(c *gin.Context) {
	var req analysis.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.RestaurantName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "restaurant_name required"})
		return
	}

	sess, err := s.pipeline.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.startRun(sess.ID)
	c.JSON(http.StatusCreated, gin.H{
		"session_id":    sess.ID,
		"current_stage": sess.CurrentStage,
	})
}

// POST /api/sessions/:id/resume
func (s *Server) resumeSession(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.cache.Get(c.Request.Context(), id); err != nil {
		s.notFoundOr500(c, err)
		return
	}
	if s.pipeline.Running(id) {
		c.JSON(http.StatusConflict, gin.H{"error": analysis.ErrSessionBusy.Error()})
		return
	}

	s.startRun(id)
	c.JSON(http.StatusAccepted, gin.H{"session_id": id, "status": "resuming"})
}

// POST /api/sessions/:id/cancel
func (s *Server) cancelSession(c *gin.Context) {
	id := c.Param("id")
	if !s.pipeline.Cancel(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "no active run for session"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": id, "status": "cancel requested"})
}

// GET /api/sessions
func (s *Server) listSessions(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	sessions, err := s.repo.List(c.Request.Context(), activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]analysis.Status, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, analysis.StatusOf(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

// GET /api/sessions/:id
func (s *Server) getStatus(c *gin.Context) {
	sess, err := s.cache.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, analysis.StatusOf(sess))
}

// GET /api/sessions/:id/export
func (s *Server) exportSession(c *gin.Context) {
	sess, err := s.cache.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// GET /api/sessions/:id/thoughts
func (s *Server) getThoughts(c *gin.Context) {
	id := c.Param("id")

	// In-flight runs have the freshest traces in the recorder; finished
	// runs only have the durable copy on the session record.
	if traces := s.pipeline.Recorder().History(id); len(traces) > 0 {
		c.JSON(http.StatusOK, gin.H{"session_id": id, "thoughts": traces})
		return
	}

	sess, err := s.cache.Get(c.Request.Context(), id)
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "thoughts": sess.Thoughts})
}

// PATCH /api/sessions/:id/flags
func (s *Server) patchFlags(c *gin.Context) {
	var req struct {
		Flags map[string]bool `json:"flags"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Flags) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "flags required"})
		return
	}

	sess, err := s.cache.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	for name, v := range req.Flags {
		sess.SetFlag(name, v)
	}
	sess.UpdatedAt = time.Now()
	if err := s.cache.Put(c.Request.Context(), sess); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID, "flags": sess.Flags})
}

// startRun launches a pipeline run detached from the request context.
// Progress flows over the live channel; the REST call only acknowledges.
func (s *Server) startRun(id string) {
	go func() {
		err := s.pipeline.Run(context.Background(), id)
		switch {
		case err == nil:
		case errors.Is(err, analysis.ErrCanceled):
			logging.API("run %s canceled", id)
		case errors.Is(err, analysis.ErrSessionBusy):
			logging.API("run %s already in flight", id)
		default:
			logging.API("run %s failed: %v", id, err)
		}
	}()
}

func (s *Server) notFoundOr500(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
