package task

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taskpay/escrowd/internal/arbiter"
	"github.com/taskpay/escrowd/internal/domain"
)

// TaskStore is the durable record of tasks, applications, submissions and
// reviews. CommitTask is a compare-and-set: it only writes when the task is
// still in the expected prior status.
// Implementations: store.Store
type TaskStore interface {
	CreateTask(t *domain.Task) error
	GetTask(id string) (*domain.Task, error)
	ListTasks(status string, limit, offset int) ([]*domain.Task, error)
	CommitTask(t *domain.Task, from domain.TaskStatus) error

	CreateApplication(a *domain.Application) error
	GetApplication(id string) (*domain.Application, error)
	ListApplications(taskID string) ([]*domain.Application, error)
	ReviewApplication(id string, status domain.ApplicationStatus, reviewedAt time.Time) error

	CreateSubmission(sub *domain.Submission) error
	GetSubmission(id string) (*domain.Submission, error)
	ListSubmissions(taskID string) ([]*domain.Submission, error)
	MarkWinner(taskID, submissionID string) error

	CreateReview(r *domain.Review) error

	ListUnfinishedIntents() ([]*domain.SettlementIntent, error)
}

// SessionOrchestrator performs escrow-session lifecycle operations on the
// settlement network. Every call may take several seconds; no caller holds a
// shared in-process lock across one.
// Implementations: escrow.Orchestrator
type SessionOrchestrator interface {
	OperatorID() string
	OpenInitialSession(ctx context.Context, taskID, payerID string, amount decimal.Decimal) (string, error)
	TransitionToThreeParty(ctx context.Context, taskID, oldSessionID, payerID, workerID string, amount decimal.Decimal) (string, error)
	PayoutToNewParty(ctx context.Context, taskID, oldSessionID, payerID, payeeID string, amount decimal.Decimal) (string, error)
	CloseSession(ctx context.Context, taskID, sessionID string, participants []string, payeeID string, amount decimal.Decimal) error
	CancelInitialSession(ctx context.Context, taskID, sessionID, payerID string, amount decimal.Decimal) error
	ResumeTransition(ctx context.Context, intent *domain.SettlementIntent) (string, error)
	ResumePayout(ctx context.Context, intent *domain.SettlementIntent) (string, error)
	ResumeClose(ctx context.Context, intent *domain.SettlementIntent, participants []string) error
	AbandonIntent(ctx context.Context, intent *domain.SettlementIntent) error
}

// DisputeResolver arbitrates a disputed task. It always terminates in one of
// exactly two outcomes; every failure mode collapses to creator_wins.
// Implementations: arbiter.Resolver
type DisputeResolver interface {
	Resolve(ctx context.Context, t *domain.Task, submissions []*domain.Submission, reason string) arbiter.Outcome
}
