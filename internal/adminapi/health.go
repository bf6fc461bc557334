package adminapi

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 2 * time.Second

// handleHealth reports the health of the command bus's presence backend
// (Redis, when running in multi-node mode) and the durable session/event
// store (sqlite or mysql, whichever backend was selected at startup).
// "clickhouse" and "postgres" both report the same store.SessionStore
// health check, since this deployment keeps one store for both session and
// event data rather than splitting them across two backends; "redis"
// reports the command bus only when it's actually backed by Redis.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	storeErr := s.st.HealthCheck(ctx)
	busErr := s.healthCheckBus()

	healthy := storeErr == nil && busErr == nil

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	body := gin.H{
		"healthy":    healthy,
		"redis":      errString(busErr),
		"clickhouse": errString(storeErr),
		"postgres":   errString(storeErr),
		"uptime":     time.Since(s.startedAt).String(),
		"memory":     mem.Alloc,
		"timestamp":  time.Now(),
	}

	if healthy {
		c.JSON(http.StatusOK, body)
		return
	}
	c.JSON(http.StatusServiceUnavailable, body)
}

// healthChecker is implemented by commandbus backends that own a network
// resource worth pinging (the Redis-backed bus); the local, in-process bus
// has nothing to check and is always healthy.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

func (s *Server) healthCheckBus() error {
	hc, ok := s.bus.(healthChecker)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()
	return hc.HealthCheck(ctx)
}

func errString(err error) interface{} {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
