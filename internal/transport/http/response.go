package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/settlement-service/internal/service"
	"go.uber.org/zap"
)

// Error codes returned in the "code" field.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidState        = "INVALID_TRANSACTION_STATE"
	CodeGateway             = "GATEWAY_ERROR"
	CodeInternal            = "INTERNAL_ERROR"
	CodeRateLimited         = "RATE_LIMITED"
	CodeIdempotencyReuse    = "IDEMPOTENCY_KEY_REUSED"
	CodeIdempotencyInFlight = "IDEMPOTENCY_IN_PROGRESS"
)

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func abortWithError(c *gin.Context, status int, code, message string, details interface{}) {
	c.AbortWithStatusJSON(status, errorBody{Code: code, Message: message, Details: details})
}

func ok(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{"message": message, "data": data})
}

// writeServiceError maps engine errors onto HTTP statuses. Unclassified errors are logged
// and hidden behind a generic 500.
func writeServiceError(c *gin.Context, log *zap.SugaredLogger, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		abortWithError(c, http.StatusBadRequest, CodeValidation, err.Error(), nil)
	case errors.Is(err, service.ErrNotFound):
		abortWithError(c, http.StatusNotFound, CodeNotFound, "Resource not found", nil)
	case errors.Is(err, service.ErrInvalidState):
		abortWithError(c, http.StatusConflict, CodeInvalidState, err.Error(), nil)
	case errors.Is(err, service.ErrGateway):
		abortWithError(c, http.StatusBadGateway, CodeGateway, err.Error(), nil)
	default:
		log.Errorw("request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
		abortWithError(c, http.StatusInternalServerError, CodeInternal, "Unexpected error occurred", nil)
	}
}
