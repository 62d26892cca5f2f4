package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ammar1510/errands/internal/apperror"
	"github.com/ammar1510/errands/internal/logger"
)

var log = logger.New("api")

var statusByKind = map[apperror.Kind]int{
	apperror.KindUnauthorized:    http.StatusForbidden,
	apperror.KindInvalidState:    http.StatusConflict,
	apperror.KindAlreadyAccepted: http.StatusConflict,
	apperror.KindConflict:        http.StatusConflict,
	apperror.KindNotParticipant:  http.StatusForbidden,
	apperror.KindNotAccepted:     http.StatusConflict,
	apperror.KindNotFound:        http.StatusNotFound,
	apperror.KindValidation:      http.StatusBadRequest,
}

// HTTPStatus maps a service error to its response status.
func HTTPStatus(err error) int {
	if status, ok := statusByKind[apperror.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError writes err as {"error", "code"}. Infrastructure failures are
// logged and reported without detail.
func respondError(c *gin.Context, err error) {
	kind := apperror.KindOf(err)
	status := HTTPStatus(err)
	msg := err.Error()
	if kind == apperror.KindInternal {
		log.Error("%s %s: %v", c.Request.Method, c.FullPath(), err)
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": kind})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": apperror.KindValidation})
}
