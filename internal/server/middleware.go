package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
	"github.com/smallbiznis/metergate/internal/usercontext"
	"go.uber.org/zap"
)

const (
	headerUserID = "X-User-ID"
	headerTier   = "X-Subscription-Tier"
)

// IdentityRequired reads the caller identity headers into the request
// context. Identity is trusted as given; verification happens upstream.
func (s *Server) IdentityRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(headerUserID))
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		tier := strings.ToLower(strings.TrimSpace(c.GetHeader(headerTier)))
		if tier == "" {
			tier = string(ruledomain.TierFree)
		}

		ctx := usercontext.WithIdentity(c.Request.Context(), usercontext.Identity{
			UserID: userID,
			Tier:   tier,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CheckRateLimit throttles the admission endpoint per user when the redis
// limiter is configured. Limiter errors fail open.
func (s *Server) CheckRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}
		identity, ok := usercontext.FromContext(c.Request.Context())
		if !ok {
			c.Next()
			return
		}

		result, err := s.limiter.AllowUser(c.Request.Context(), identity.UserID)
		if err != nil {
			s.log.Warn("rate limiter unavailable, admitting",
				zap.String("user_id", identity.UserID),
				zap.Error(err),
			)
			c.Next()
			return
		}
		if !result.Allowed {
			s.metrics.RecordRateLimited()
			c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: errorPayload{
				Type:    "rate_limited",
				Message: "too many requests",
			}})
			return
		}
		c.Next()
	}
}
