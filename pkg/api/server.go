// Package api is the HTTP surface: the /api/v1 admin group over the
// services layer and the /worker/v1 intake the fleet reports into.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relayd/pkg/events"
	"github.com/relaymesh/relayd/pkg/pipeline"
	"github.com/relaymesh/relayd/pkg/registry"
	"github.com/relaymesh/relayd/pkg/scheduler"
	"github.com/relaymesh/relayd/pkg/services"
)

// Deps collects everything the handlers touch. All fields are required.
type Deps struct {
	Users    *services.UserService
	Sessions *services.SessionService
	Workers  *services.WorkerService
	Chats    *services.ChatService
	Mappings *services.MappingService
	Rules    *services.RegexRuleService
	Pending  *services.PendingMessageService
	Stats    *services.StatsService
	Logs     *services.LogService

	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Pipeline  *pipeline.Pipeline
	Hub       *events.Hub

	AdminToken       string
	AllowedWSOrigins []string
}

// Server is the HTTP API server.
type Server struct {
	deps Deps
}

// NewServer creates a new API server.
func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

// Router builds the gin engine with both route groups mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	r.GET("/health", s.health)

	admin := r.Group("/api/v1", adminAuth(s.deps.AdminToken))
	{
		admin.GET("/users", s.listUsers)
		admin.POST("/users", s.createUser)
		admin.GET("/users/:id", s.getUser)
		admin.PATCH("/users/:id", s.updateUser)
		admin.DELETE("/users/:id", s.deleteUser)

		admin.GET("/sessions", s.listSessions)
		admin.POST("/sessions", s.createSession)
		admin.GET("/sessions/:id", s.getSession)
		admin.PATCH("/sessions/:id/status", s.updateSessionStatus)
		admin.DELETE("/sessions/:id", s.deleteSession)
		admin.POST("/sessions/:id/assign", s.assignSession)
		admin.POST("/sessions/:id/reassign/:worker", s.reassignSession)

		admin.GET("/workers", s.listWorkers)
		admin.POST("/workers", s.registerWorker)
		admin.GET("/workers/available", s.availableWorkers)
		admin.GET("/workers/system/status", s.systemStatus)
		admin.GET("/workers/:id", s.getWorker)
		admin.POST("/workers/:id/metrics", s.updateWorkerMetrics)
		admin.POST("/workers/:id/draining", s.setWorkerDraining)

		admin.GET("/sources", s.listSources)
		admin.POST("/sources", s.createSource)
		admin.DELETE("/sources/:id", s.deleteSource)
		admin.GET("/destinations", s.listDestinations)
		admin.POST("/destinations", s.createDestination)
		admin.DELETE("/destinations/:id", s.deleteDestination)

		admin.GET("/mappings", s.listMappings)
		admin.POST("/mappings", s.createMapping)
		admin.GET("/mappings/:id", s.getMapping)
		admin.PATCH("/mappings/:id", s.updateMapping)
		admin.DELETE("/mappings/:id", s.deleteMapping)
		admin.POST("/mappings/:id/toggle", s.toggleMapping)
		admin.GET("/mappings/:id/rules", s.mappingRules)

		admin.GET("/regex_rules", s.listRules)
		admin.POST("/regex_rules", s.createRule)
		admin.GET("/regex_rules/:id", s.getRule)
		admin.PUT("/regex_rules/:id", s.updateRule)
		admin.DELETE("/regex_rules/:id", s.deleteRule)
		admin.POST("/regex_rules/:id/test", s.testRule)

		admin.GET("/pending_messages", s.listPending)
		admin.POST("/pending_messages/:id/approve", s.approvePending)
		admin.POST("/pending_messages/:id/reject", s.rejectPending)

		admin.GET("/statistics", s.statistics)
		admin.GET("/forwarding_logs", s.forwardingLogs)

		admin.GET("/ws", s.liveEvents)
	}

	worker := r.Group("/worker/v1")
	{
		// Registration authenticates itself via the request body token.
		worker.POST("/register", s.workerRegister)

		authed := worker.Group("", workerAuth(s.deps.Registry))
		authed.POST("/heartbeat", s.workerHeartbeat)
		authed.POST("/events", s.workerEvents)
		authed.POST("/sessions/:id/started", s.workerSessionStarted)
		authed.POST("/sessions/:id/failure", s.workerSessionFailure)
		authed.GET("/controls", s.workerControls)
		authed.POST("/controls/:id/ack", s.workerAckControl)
	}

	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestLog emits one slog line per request.
func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
