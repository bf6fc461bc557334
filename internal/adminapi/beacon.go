package adminapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trafficctl/shiftd/pkg/protocol"
)

type beaconRequest struct {
	Events []protocol.Event `json:"events"`
}

// handleBeacon accepts a batch of telemetry events and always returns 204
// regardless of whether the body parsed, because the caller (a page
// unload handler) can't do anything useful with an error. Parsed events
// are enqueued after the response is written; a malformed body simply
// yields zero events to enqueue.
func (s *Server) handleBeacon(c *gin.Context) {
	var req beaconRequest
	_ = c.ShouldBindJSON(&req)

	c.Status(http.StatusNoContent)

	ip := c.ClientIP()
	for _, evt := range req.Events {
		if evt.SessionHash == "" {
			continue
		}
		if evt.IPAddress == "" {
			evt.IPAddress = ip
		}
		s.sink.Enqueue(evt)
	}
}
