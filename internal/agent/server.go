package agent

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/cosimhq/cosim/pkg/models"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server is the per-pod agent HTTP surface
type Server struct {
	router   *gin.Engine
	registry *Registry
	watcher  *DocWatcher
	log      *logrus.Logger
	port     string
}

// NewServer creates the agent server. watcher may be nil when no
// collaboration endpoint is configured.
func NewServer(registry *Registry, watcher *DocWatcher, reg *prometheus.Registry, port string, log *logrus.Logger) *Server {
	router := gin.Default()

	// Configure CORS
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(config))

	server := &Server{
		router:   router,
		registry: registry,
		watcher:  watcher,
		log:      log,
		port:     port,
	}

	router.POST("/simulations/create", server.createSimulation)
	router.GET("/simulations", server.listSimulations)
	router.GET("/simulations/:sid/state", server.getState)
	router.GET("/simulations/:sid/health", server.getHealth)
	router.POST("/simulations/:sid/control", server.control)
	router.DELETE("/simulations/:sid", server.deleteSimulation)
	router.GET("/simulations/:sid/stream", server.stream)

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
		"status":      "healthy",
		"simulations": len(s.registry.List()),
		"time":        time.Now(),
	})
}

func (s *Server) createSimulation(c *gin.Context) {
	var spec CreateSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	in, err := s.registry.CreateSimulation(spec)
	if err != nil {
		respondError(c, err)
		return
	}

	if s.watcher != nil {
		s.watcher.Watch(in)
	}

	c.JSON(http.StatusOK, in.Status())
}

func (s *Server) listSimulations(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.List())
}

func (s *Server) getState(c *gin.Context) {
	status, err := s.registry.GetState(c.Param("sid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// getHealth is the orchestrator's readiness and liveness probe
func (s *Server) getHealth(c *gin.Context) {
	status, err := s.registry.GetState(c.Param("sid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"engine":        status.Engine,
		"frame_counter": status.State.FrameCounter,
		"playing":       status.Playing,
		"faulted":       status.Faulted,
	})
}

func (s *Server) control(c *gin.Context) {
	var cmd models.ControlCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.registry.Control(c.Request.Context(), c.Param("sid"), cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) deleteSimulation(c *gin.Context) {
	sid := c.Param("sid")
	if err := s.registry.Delete(sid); err != nil {
		respondError(c, err)
		return
	}
	if s.watcher != nil {
		s.watcher.Unwatch(sid)
	}
	c.JSON(http.StatusOK, gin.H{"message": "simulation deleted"})
}

// stream pushes frames over a websocket. The first text frame is the stream
// header; a marker text frame precedes the payload after a reset, and a
// faulted marker terminates the stream.
func (s *Server) stream(c *gin.Context) {
	in, err := s.registry.Get(c.Param("sid"))
	if err != nil {
		respondError(c, err)
		return
	}

	subID, frames, err := in.Subscribe()
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		in.Unsubscribe(subID)
		return
	}
	defer conn.Close()
	defer in.Unsubscribe(subID)

	if err := conn.WriteJSON(in.Header()); err != nil {
		return
	}

	// Drain client frames so close is observed promptly
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if frame.Marker != models.MARKER_NONE {
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
				if frame.Marker == models.MARKER_FAULTED {
					return
				}
			}
			if len(frame.Data) > 0 {
				if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
					return
				}
			}

		case <-clientGone:
			return
		}
	}
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
	case models.ERR_SESSION_NOT_FOUND, models.ERR_MODEL_NOT_FOUND:
		status = http.StatusNotFound
	case models.ERR_ALREADY_EXISTS_DIFFERENT:
		status = http.StatusConflict
	case models.ERR_MODEL_PARSE, models.ERR_FRAMEBUFFER_TOO_SMALL, models.ERR_ACTION_SHAPE,
		models.ERR_SYNTAX, models.ERR_UNSUPPORTED_LANGUAGE:
		status = http.StatusBadRequest
	case models.ERR_NOT_SUPPORTED:
		status = http.StatusUnprocessableEntity
	case models.ERR_SESSION_TERMINATED:
		status = http.StatusGone
	case models.ERR_DEADLINE_EXCEEDED, models.ERR_TIMEOUT:
		status = http.StatusGatewayTimeout
	}

	body := gin.H{"error": err.Error(), "kind": kind}
	if sub := models.SubReasonOf(err); sub != "" {
		body["sub_reason"] = sub
	}
	c.JSON(status, body)
}
