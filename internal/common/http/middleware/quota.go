package middleware

import (
	"context"
	"fmt"
	"time"

	"runbox/internal/common/cache"
	pkgerrors "runbox/pkg/errors"
	"runbox/pkg/utils/contextkey"
	"runbox/pkg/utils/logger"
	"runbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// QuotaService enforces fixed-window run quotas in Redis so every replica
// shares one counter per caller.
type QuotaService struct {
	cache        cache.BasicOps
	redisTimeout time.Duration
}

// NewQuotaService creates a quota service.
func NewQuotaService(cacheClient cache.BasicOps, redisTimeout time.Duration) *QuotaService {
	if redisTimeout <= 0 {
		redisTimeout = 100 * time.Millisecond
	}
	return &QuotaService{cache: cacheClient, redisTimeout: redisTimeout}
}

// Allow counts one hit on key and fails with RunTooFrequently once the
// window holds more than max hits.
func (s *QuotaService) Allow(ctx context.Context, key string, max int, window time.Duration) error {
	if s.cache == nil {
		return pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("quota cache is unavailable")
	}
	if max <= 0 || window <= 0 {
		return nil
	}

	ctxCache, cancel := context.WithTimeout(ctx, s.redisTimeout)
	defer cancel()

	acquired, err := s.cache.SetNX(ctxCache, key, 1, window)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.CacheError, "quota check failed")
	}
	var count int64
	if acquired {
		count = 1
	} else {
		count, err = s.cache.Incr(ctxCache, key)
		if err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.CacheError, "quota check failed")
		}
		// A key left without TTL would block the caller forever.
		ttl, ttlErr := s.cache.TTL(ctxCache, key)
		if ttlErr == nil && ttl < 0 {
			_ = s.cache.Expire(ctxCache, key, window)
		}
	}
	if int(count) > max {
		return pkgerrors.New(pkgerrors.RunTooFrequently).WithMessage(fmt.Sprintf("quota of %d runs per %s exceeded", max, window))
	}
	return nil
}

// QuotaPolicy limits runs per caller.
type QuotaPolicy struct {
	Window  time.Duration
	UserMax int
	IPMax   int
}

// QuotaMiddleware charges the authenticated user, or the client IP when
// the route is public. Cache failures let the request through.
func QuotaMiddleware(quota *QuotaService, policy QuotaPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if quota == nil {
			c.Next()
			return
		}
		var key string
		var max int
		if userID, ok := c.Get(contextkey.UserID.Name()); ok && policy.UserMax > 0 {
			key = fmt.Sprintf("runbox:quota:user:%v", userID)
			max = policy.UserMax
		} else if policy.IPMax > 0 {
			key = fmt.Sprintf("runbox:quota:ip:%s", c.ClientIP())
			max = policy.IPMax
		}
		if key == "" {
			c.Next()
			return
		}
		if err := quota.Allow(c.Request.Context(), key, max, policy.Window); err != nil {
			if pkgerrors.Is(err, pkgerrors.RunTooFrequently) {
				response.AbortWithError(c, err)
				return
			}
			logger.Warn(c.Request.Context(), "quota check skipped", zap.Error(err))
		}
		c.Next()
	}
}
