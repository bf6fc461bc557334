// Package adminapi implements the operator-facing HTTP surface that reads
// session/analytics state and issues remote commands, plus the two
// unauthenticated routes (/beacon, /health) that share its HTTP listener.
package adminapi

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trafficctl/shiftd/internal/commandbus"
	"github.com/trafficctl/shiftd/internal/registry"
	"github.com/trafficctl/shiftd/internal/store"
	"github.com/trafficctl/shiftd/pkg/protocol"
)

// Registry is the subset of *registry.Registry the admin API drives.
type Registry interface {
	Get(sessionHash string) (protocol.SessionState, bool)
	Transition(sessionHash string, newMode protocol.Mode, latencyMs int) (protocol.SessionState, error)
	Snapshot(filter registry.Filter) []protocol.SessionState
	Stats() map[string]int
}

// Limiter is the subset of *limiter.Limiter the admin API reports on.
type Limiter interface {
	Stats() map[string]int
}

// Sink is the subset of *eventsink.Sink the admin API drives for /beacon
// and /admin/stats.
type Sink interface {
	Enqueue(evt protocol.Event) bool
	Dropped() int64
	QueueLen() int
}

// Server wires the admin HTTP surface to the registry, the limiter's
// stats, the command bus, the event sink, and the durable store.
type Server struct {
	reg   Registry
	lim   Limiter
	bus   commandbus.Bus
	st    store.SessionStore
	sink  Sink
	log   *slog.Logger

	apiKey    string
	startedAt time.Time

	engine *gin.Engine
}

// Config bundles the admin API's own tunables, separate from its
// dependencies.
type Config struct {
	APIKey string
	// RateLimitPerMinute is the global per-IP ingress cap. Zero disables
	// the middleware (tests construct Servers this way).
	RateLimitPerMinute int
}

func New(cfg Config, reg Registry, lim Limiter, bus commandbus.Bus, st store.SessionStore, sink Sink, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		reg:       reg,
		lim:       lim,
		bus:       bus,
		st:        st,
		sink:      sink,
		log:       log,
		apiKey:    cfg.APIKey,
		startedAt: time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	if cfg.RateLimitPerMinute > 0 {
		r.Use(newIngressLimiter(cfg.RateLimitPerMinute).middleware())
	}

	r.POST("/beacon", s.handleBeacon)
	r.GET("/health", s.handleHealth)

	admin := r.Group("/admin", s.requireAPIKey())
	admin.GET("/sessions", s.handleListSessions)
	admin.GET("/sessions/:hash", s.handleGetSession)
	admin.POST("/sessions/:hash/upspin", s.handleUpspin)
	admin.POST("/sessions/:hash/downspin", s.handleDownspin)
	admin.POST("/sessions/:hash/terminate", s.handleTerminate)
	admin.POST("/sessions/:hash/notify", s.handleNotify)
	admin.POST("/sessions/:hash/redirect", s.handleRedirect)
	admin.POST("/batch-action", s.handleBatchAction)
	admin.GET("/analytics", s.handleAnalytics)
	admin.GET("/high-risk", s.handleHighRisk)
	admin.GET("/stats", s.handleStats)

	s.engine = r
	return s
}

// Handler exposes the underlying http.Handler for wiring into the process's
// HTTP server alongside the WebSocket upgrade route.
func (s *Server) Handler() *gin.Engine {
	return s.engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("admin request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote_ip", c.ClientIP(),
		)
	}
}
