package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-letter-api/pkg/middleware/requestid"
)

const responseStartKey = "response_start"

// WithResponseMeta stamps the request start so handlers can report timing in list envelopes.
func WithResponseMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(responseStartKey, time.Now())
		c.Next()
	}
}

// ExtractMeta returns the envelope meta for the current request, nil when the
// middleware did not run.
func ExtractMeta(c *gin.Context) map[string]interface{} {
	if c == nil {
		return nil
	}
	raw, exists := c.Get(responseStartKey)
	if !exists {
		return nil
	}
	start, ok := raw.(time.Time)
	if !ok {
		return nil
	}
	meta := map[string]interface{}{
		"processing_time_ms": time.Since(start).Milliseconds(),
	}
	if id := requestid.Value(c); id != "" {
		meta["request_id"] = id
	}
	return meta
}
