package middleware

import (
	pkgerrors "runbox/pkg/errors"
	"runbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware applies one token bucket to every request on the
// route. A non-positive rps disables it.
func RateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			response.AbortWithErrorCode(c, pkgerrors.TooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
