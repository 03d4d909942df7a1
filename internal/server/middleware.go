package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/meterflow/internal/observability/context"
)

const HeaderRequestID = "X-Request-ID"

// RequestID propagates or generates a request id and stores it on the
// request context for log correlation.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}
