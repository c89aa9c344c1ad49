package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/metergate/internal/credit/domain"
	eventdomain "github.com/smallbiznis/metergate/internal/event/domain"
	meteringdomain "github.com/smallbiznis/metergate/internal/metering/domain"
	"github.com/smallbiznis/metergate/internal/period"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
	trackerdomain "github.com/smallbiznis/metergate/internal/tracker/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
)

// ErrorHandlingMiddleware converts errors attached to the gin context into a
// JSON error envelope. Handlers call AbortWithError and return.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case creditdomain.IsInsufficientCredits(err):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: err.Error(),
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	validationErrors := []error{
		ErrInvalidRequest,
		meteringdomain.ErrInvalidUser,
		meteringdomain.ErrInvalidAmount,
		meteringdomain.ErrInvalidMetric,
		meteringdomain.ErrInvalidTier,
		creditdomain.ErrInvalidUser,
		creditdomain.ErrInvalidCreditType,
		creditdomain.ErrInvalidAmount,
		creditdomain.ErrInvalidSource,
		creditdomain.ErrInvalidTier,
		ruledomain.ErrInvalidMetricType,
		ruledomain.ErrInvalidTier,
		ruledomain.ErrInvalidLimitType,
		ruledomain.ErrInvalidLimitValue,
		ruledomain.ErrInvalidLimitPeriod,
		ruledomain.ErrInvalidWarningThreshold,
		ruledomain.ErrInvalidOveragePrice,
		ruledomain.ErrInvalidEffectiveWindow,
		trackerdomain.ErrInvalidUser,
		trackerdomain.ErrInvalidAmount,
		eventdomain.ErrInvalidUser,
		period.ErrInvalidUnit,
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
