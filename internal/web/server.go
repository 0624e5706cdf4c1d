// Package web exposes the task lifecycle actions over HTTP. Identity
// management is out of scope; the acting party arrives in the X-Party-ID
// header and custody of its settlement keys lives elsewhere.
package web

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/taskpay/escrowd/internal/domain"
)

// Lifecycle is the task state machine surface the server exposes.
// Implementations: task.Service
type Lifecycle interface {
	CreateTask(ctx context.Context, creatorID string, amount decimal.Decimal, description string) (*domain.Task, error)
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	ListTasks(ctx context.Context, status string, limit, offset int) ([]*domain.Task, error)
	AcceptTask(ctx context.Context, taskID, actorID string) (*domain.Task, error)
	ApplyToTask(ctx context.Context, taskID, actorID, message string) (*domain.Application, error)
	ReviewApplication(ctx context.Context, taskID, actorID, appID string, accept bool) (*domain.Application, error)
	SubmitWork(ctx context.Context, taskID, actorID, evidence string) (*domain.Submission, error)
	PickWinner(ctx context.Context, taskID, actorID, submissionID string, rating int, comment string) (*domain.Task, error)
	ApproveTask(ctx context.Context, taskID, actorID string, rating int, comment string) (*domain.Task, error)
	DisputeTask(ctx context.Context, taskID, actorID, reason string) (*domain.Task, error)
	CancelTask(ctx context.Context, taskID, actorID string) (*domain.Task, error)
	ListApplications(ctx context.Context, taskID, actorID string) ([]*domain.Application, error)
	ListSubmissions(ctx context.Context, taskID, actorID string) ([]*domain.Submission, error)
}

// Server is the escrowd API server.
type Server struct {
	log     *logrus.Logger
	service Lifecycle
	router  *gin.Engine
}

// NewServer creates the API server and registers its routes.
func NewServer(service Lifecycle, log *logrus.Logger) *Server {
	router := gin.Default()

	s := &Server{
		log:     log,
		service: service,
		router:  router,
	}

	api := router.Group("/api")
	{
		api.POST("/tasks", s.createTaskAction)
		api.GET("/tasks", s.listTasksAction)
		api.GET("/tasks/:taskID", s.getTaskAction)
		api.POST("/tasks/:taskID/accept", s.acceptTaskAction)
		api.POST("/tasks/:taskID/applications", s.applyAction)
		api.GET("/tasks/:taskID/applications", s.listApplicationsAction)
		api.POST("/tasks/:taskID/applications/:appID/review", s.reviewApplicationAction)
		api.POST("/tasks/:taskID/submissions", s.submitWorkAction)
		api.GET("/tasks/:taskID/submissions", s.listSubmissionsAction)
		api.POST("/tasks/:taskID/winner", s.pickWinnerAction)
		api.POST("/tasks/:taskID/approve", s.approveTaskAction)
		api.POST("/tasks/:taskID/dispute", s.disputeTaskAction)
		api.POST("/tasks/:taskID/cancel", s.cancelTaskAction)
	}

	return s
}

// Run starts the API server.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Router exposes the handler for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
