package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/taskpay/escrowd/internal/domain"
)

const partyHeader = "X-Party-ID"

type createTaskRequest struct {
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

type applyRequest struct {
	Message string `json:"message"`
}

type reviewApplicationRequest struct {
	Accept bool `json:"accept"`
}

type submitWorkRequest struct {
	Evidence string `json:"evidence"`
}

type pickWinnerRequest struct {
	SubmissionID string `json:"submission_id"`
	Rating       int    `json:"rating"`
	Comment      string `json:"comment"`
}

type approveRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) actor(c *gin.Context) (string, bool) {
	actor := c.GetHeader(partyHeader)
	if actor == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing " + partyHeader + " header"})
		return "", false
	}
	return actor, true
}

func (s *Server) createTaskAction(c *gin.Context) {
	const op = "web.Server.createTaskAction"
	log := s.log.WithField("operation", op)

	actor, ok := s.actor(c)
	if !ok {
		return
	}

	var req createTaskRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request structure"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a decimal string"})
		return
	}

	t, err := s.service.CreateTask(c.Request.Context(), actor, amount, req.Description)
	if err != nil {
		log.WithError(err).Error("failed to create task")
		s.respondMaybeInconsistent(c, t, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) listTasksAction(c *gin.Context) {
	tasks, err := s.service.ListTasks(c.Request.Context(), c.Query("status"), intQuery(c, "limit"), intQuery(c, "offset"))
	if err != nil {
		s.resolveError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{} // keep the JSON array non-null
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) getTaskAction(c *gin.Context) {
	t, err := s.service.GetTask(c.Request.Context(), c.Param("taskID"))
	if err != nil {
		s.resolveError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) acceptTaskAction(c *gin.Context) {
	const op = "web.Server.acceptTaskAction"
	log := s.log.WithField("operation", op)

	actor, ok := s.actor(c)
	if !ok {
		return
	}

	t, err := s.service.AcceptTask(c.Request.Context(), c.Param("taskID"), actor)
	if err != nil {
		log.WithError(err).Error("failed to accept task")
		s.respondMaybeInconsistent(c, t, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) applyAction(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}

	var req applyRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request structure"})
		return
	}

	a, err := s.service.ApplyToTask(c.Request.Context(), c.Param("taskID"), actor, req.Message)
	if err != nil {
		s.resolveError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) listApplicationsAction(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}

	apps, err := s.service.ListApplications(c.Request.Context(), c.Param("taskID"), actor)
	if err != nil {
		s.resolveError(c, err)
		return
	}
	c.JSON(http.StatusOK, apps)
}

func (s *Server) reviewApplicationAction(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}

	var req reviewApplicationRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request structure"})
		return
	}

	a, err := s.service.ReviewApplication(c.Request.Context(), c.Param("taskID"), actor, c.Param("appID"), req.Accept)
	if err != nil {
		s.resolveError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) submitWorkAction(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}

	var req submitWorkRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request structure"})
		return
	}

	sub, err := s.service.SubmitWork(c.Request.Context(), c.Param("taskID"), actor, req.Evidence)
	if err != nil {
		s.resolveError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) listSubmissionsAction(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}

	subs, err := s.service.ListSubmissions(c.Request.Context(), c.Param("taskID"), actor)
	if err != nil {
		s.resolveError(c, err)
		return
	}
	c.JSON(http.StatusOK, subs)
}

func (s *Server) pickWinnerAction(c *gin.Context) {
	const op = "web.Server.pickWinnerAction"
	log := s.log.WithField("operation", op)

	actor, ok := s.actor(c)
	if !ok {
		return
	}

	var req pickWinnerRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request structure"})
		return
	}

	t, err := s.service.PickWinner(c.Request.Context(), c.Param("taskID"), actor, req.SubmissionID, req.Rating, req.Comment)
	if err != nil {
		log.WithError(err).Error("failed to pick winner")
		s.respondMaybeInconsistent(c, t, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) approveTaskAction(c *gin.Context) {
	const op = "web.Server.approveTaskAction"
	log := s.log.WithField("operation", op)

	actor, ok := s.actor(c)
	if !ok {
		return
	}

	var req approveRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request structure"})
		return
	}

	t, err := s.service.ApproveTask(c.Request.Context(), c.Param("taskID"), actor, req.Rating, req.Comment)
	if err != nil {
		log.WithError(err).Error("failed to approve task")
		s.respondMaybeInconsistent(c, t, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) disputeTaskAction(c *gin.Context) {
	const op = "web.Server.disputeTaskAction"
	log := s.log.WithField("operation", op)

	actor, ok := s.actor(c)
	if !ok {
		return
	}

	var req disputeRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request structure"})
		return
	}

	t, err := s.service.DisputeTask(c.Request.Context(), c.Param("taskID"), actor, req.Reason)
	if err != nil {
		log.WithError(err).Error("failed to dispute task")
		s.respondMaybeInconsistent(c, t, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) cancelTaskAction(c *gin.Context) {
	const op = "web.Server.cancelTaskAction"
	log := s.log.WithField("operation", op)

	actor, ok := s.actor(c)
	if !ok {
		return
	}

	t, err := s.service.CancelTask(c.Request.Context(), c.Param("taskID"), actor)
	if err != nil {
		log.WithError(err).Error("failed to cancel task")
		s.respondMaybeInconsistent(c, t, err)
		return
	}
	c.JSON(http.StatusOK, t)
}
