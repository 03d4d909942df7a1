package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"github.com/smallbiznis/meterflow/pkg/db"
)

// ParamError rejects a single query parameter.
type ParamError struct {
	Param string
	Code  string
}

func (e *ParamError) Error() string {
	return e.Code
}

func invalidParam(param string) error {
	return &ParamError{Param: param, Code: "invalid_" + param}
}

type fieldError struct {
	Field string `json:"field"`
	Code  string `json:"code"`
}

type errorPayload struct {
	Type    string       `json:"type"`
	Message string       `json:"message"`
	Fields  []fieldError `json:"fields,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware renders the last handler error once the chain has
// run and nothing was written.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}
		status, payload := describeError(last.Err)
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

func describeError(err error) (int, errorPayload) {
	var pe *ParamError
	switch {
	case errors.As(err, &pe):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "invalid query parameter",
			Fields:  []fieldError{{Field: pe.Param, Code: pe.Code}},
		}
	case errors.Is(err, auditdomain.ErrInvalidStatus),
		errors.Is(err, auditdomain.ErrInvalidStage),
		errors.Is(err, auditdomain.ErrInvalidRunID):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case db.IsTransient(err):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "warehouse_unavailable",
			Message: "warehouse unavailable, retry later",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
