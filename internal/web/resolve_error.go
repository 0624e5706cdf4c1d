package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/taskpay/escrowd/internal/domain"
)

// resolveError maps domain errors to HTTP responses. The caller always gets
// either a definite new state or an explicit error, never a side channel.
func (s *Server) resolveError(c *gin.Context, err error) {
	var verr *domain.ValidationError
	var aerr *domain.AuthorizationError
	var nerr *domain.EscrowNetworkError

	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	case errors.As(err, &aerr):
		c.JSON(http.StatusForbidden, gin.H{"error": aerr.Error()})
	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrApplicationNotFound),
		errors.Is(err, domain.ErrSubmissionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "task changed concurrently, retry against its current status"})
	case errors.As(err, &nerr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "settlement network failure: " + nerr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// respondMaybeInconsistent handles the one error that is not a failure: the
// settlement went through but the local record lagged. The caller gets a
// success with a warning instead of an error that would invite a re-attempt.
func (s *Server) respondMaybeInconsistent(c *gin.Context, t *domain.Task, err error) {
	var incon *domain.SettlementInconsistency
	if errors.As(err, &incon) {
		resp := gin.H{
			"warning": "funds were settled but the task record could not be updated; it will be reconciled",
			"task_id": incon.TaskID,
		}
		if t != nil {
			resp["task"] = t
		}
		c.JSON(http.StatusOK, resp)
		return
	}
	s.resolveError(c, err)
}

func intQuery(c *gin.Context, key string) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return v
}
