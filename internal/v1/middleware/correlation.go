// Package middleware contains Gin middleware for the application.
package middleware

import (
	"github.com/meetcore/signaling/internal/v1/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID adds a correlation ID to the request context.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		// Set in header for response
		c.Header(HeaderXCorrelationID, correlationID)

		// Set in context for logger
		c.Request = c.Request.WithContext(logging.WithCorrelationID(c.Request.Context(), correlationID))
		c.Set(string(logging.CorrelationIDKey), correlationID)

		// Pass to next handlers
		c.Next()
	}
}

// roomIDParam is the gin route param carrying the room a websocket upgrade
// request names, e.g. GET /ws/rooms/:roomId.
const roomIDParam = "roomId"

// RoomScope threads the :roomId route param into the request context so
// everything logged for a /ws/rooms/:roomId request — including the
// upgrade failure path, before a Runner ever exists to tag its own logs —
// carries the room it belongs to.
func RoomScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		if roomID := c.Param(roomIDParam); roomID != "" {
			c.Request = c.Request.WithContext(logging.WithRoom(c.Request.Context(), roomID))
		}
		c.Next()
	}
}
