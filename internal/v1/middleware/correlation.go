// Package middleware contains Gin middleware for the admin API.
package middleware

import (
	"context"

	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID tags each admin request with a correlation ID. The ID is
// echoed in the response and attached to the request context so handler
// logs and dispatched jobs carry it.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" || len(correlationID) > 128 {
			correlationID = uuid.NewString()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)
		c.Request = c.Request.WithContext(
			context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID),
		)

		c.Next()
	}
}
