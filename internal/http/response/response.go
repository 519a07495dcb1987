// Package response writes the operator API's JSON bodies.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/codegraph-triangulation/internal/platform/ctxutil"
)

type APIError struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// RespondError aborts the chain with {error:{message, code, requestId}}.
func RespondError(c *gin.Context, status int, code string, err error) {
	apiErr := APIError{Message: http.StatusText(status), Code: code}
	if err != nil {
		apiErr.Message = err.Error()
	}
	if c.Request != nil {
		if s := ctxutil.ScopeFrom(c.Request.Context()); s != nil {
			apiErr.RequestID = s.RequestID
		}
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{Error: apiErr})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondCreated(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}
