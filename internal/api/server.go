// Package api is the public REST facade of the orchestrator. All session
// routes require a bearer token; callers only ever see their own org's
// sessions.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cosimhq/cosim/internal/auth"
	"github.com/cosimhq/cosim/internal/orchestrator"
	"github.com/cosimhq/cosim/pkg/models"
)

// Server represents the API server
type Server struct {
	router *gin.Engine
	orch   *orchestrator.Orchestrator
	port   string
}

// NewServer creates a new API server
func NewServer(orch *orchestrator.Orchestrator, validator *auth.Validator, reg *prometheus.Registry, port string) *Server {
	router := gin.Default()

	// Configure CORS
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(config))

	server := &Server{
		router: router,
		orch:   orch,
		port:   port,
	}

	sessions := router.Group("/sessions", validator.Middleware())
	sessions.POST("", server.createSession)
	sessions.GET("", server.listSessions)
	sessions.GET("/:id", server.getSession)
	sessions.PATCH("/:id", server.patchSession)
	sessions.DELETE("/:id", server.deleteSession)

	// Heartbeats arrive from agents inside the deployment, not end users
	router.POST("/internal/sessions/:id/activity", server.reportActivity)

	router.GET("/health", server.healthCheck)
	if reg != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	return server
}

// Start starts the server
func (s *Server) Start() error {
	return s.router.Run(":" + s.port)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now(),
	})
}

func (s *Server) createSession(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := s.orch.CreateSession(claims.OrgID, claims.Tier, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id": session.ID,
		"state":      session.State,
	})
}

func (s *Server) listSessions(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	sessions, err := s.orch.ListSessions(claims.OrgID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) getSession(c *gin.Context) {
	session, ok := s.ownedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session)
}

// patchSession handles {action: pause|resume}
func (s *Server) patchSession(c *gin.Context) {
	session, ok := s.ownedSession(c)
	if !ok {
		return
	}

	var body struct {
		Action string `json:"action" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var err error
	switch body.Action {
	case "pause":
		session, err = s.orch.PauseSession(session.ID)
	case "resume":
		session, err = s.orch.ResumeSession(session.ID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be pause or resume"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) deleteSession(c *gin.Context) {
	session, ok := s.ownedSession(c)
	if !ok {
		return
	}

	if err := s.orch.TerminateSession(session.ID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session terminated"})
}

func (s *Server) reportActivity(c *gin.Context) {
	if err := s.orch.ReportActivity(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "activity recorded"})
}

// ownedSession loads the session and enforces org ownership. Foreign
// sessions read as not found rather than forbidden.
func (s *Server) ownedSession(c *gin.Context) (*models.Session, bool) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return nil, false
	}

	session, err := s.orch.GetSession(c.Param("id"))
	if err != nil || session.OrgID != claims.OrgID {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "kind": models.ERR_SESSION_NOT_FOUND})
		return nil, false
	}
	return session, true
}

// respondError maps a typed error to its HTTP status with a stable body
func respondError(c *gin.Context, err error) {
	var verrs models.ValidationErrors
	if errors.As(err, &verrs) {
		c.JSON(http.StatusBadRequest, gin.H{"error": verrs.Error(), "kind": "ValidationError"})
		return
	}

	kind := models.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case models.ERR_POLICY_DENIED:
		status = http.StatusForbidden
	case models.ERR_QUOTA_EXCEEDED:
		status = http.StatusTooManyRequests
	case models.ERR_SESSION_NOT_FOUND:
		status = http.StatusNotFound
	case models.ERR_SESSION_TERMINATED:
		status = http.StatusGone
	case models.ERR_NOT_SUPPORTED:
		status = http.StatusConflict
	case models.ERR_ALLOCATOR_UNAVAILABLE:
		status = http.StatusServiceUnavailable
	}

	body := gin.H{"error": err.Error(), "kind": kind}
	if sub := models.SubReasonOf(err); sub != "" {
		body["sub_reason"] = sub
	}
	c.JSON(status, body)
}
